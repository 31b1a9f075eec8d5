package plugin

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"

	xerrors "Nebula-Host/internal/errors"
	"Nebula-Host/internal/events"
	"Nebula-Host/internal/identity"
	"Nebula-Host/pkg/logger"
)

// Context is the only surface a plugin may touch host state through. Every
// operation checks its required scopes before doing any work; a missing
// scope fails fast with no partial writes.
type Context struct {
	pluginName string
	scopes     map[string]struct{}
	store      identity.Store
	bus        events.Bus
	log        *slog.Logger
}

// NewContext builds a capability context for the named plugin with exactly
// the given scopes. The bus may be nil; EmitEvent then fails cleanly.
func NewContext(pluginName string, scopes []string, store identity.Store, bus events.Bus) *Context {
	set := make(map[string]struct{}, len(scopes))
	for _, scope := range scopes {
		set[scope] = struct{}{}
	}
	return &Context{
		pluginName: pluginName,
		scopes:     set,
		store:      store,
		bus:        bus,
		log:        logger.Named("plugin." + pluginName),
	}
}

// PluginName returns the owning plugin's name.
func (c *Context) PluginName() string { return c.pluginName }

// HasScope reports whether a scope was granted.
func (c *Context) HasScope(scope string) bool {
	_, ok := c.scopes[scope]
	return ok
}

func (c *Context) requireScope(scope string) error {
	if !c.HasScope(scope) {
		return xerrors.New(xerrors.CodePermissionDenied,
			fmt.Sprintf("插件 %s 缺少权限 %s", c.pluginName, scope),
			xerrors.WithMetadata("plugin", c.pluginName),
			xerrors.WithMetadata("scope", scope))
	}
	return nil
}

// Log writes a line to the plugin's named logger. Unknown levels fall back
// to info.
func (c *Context) Log(level, message string) {
	line := strings.TrimSpace(message)
	if line == "" {
		return
	}
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		c.log.Debug(line)
	case "warn", "warning":
		c.log.Warn(line)
	case "error":
		c.log.Error(line)
	default:
		c.log.Info(line)
	}
}

// SyncUserInput carries one account to reconcile into an identity database.
type SyncUserInput struct {
	Username string
	DBName   string
	RoleTag  string
	Email    string
	IsActive bool
	DryRun   bool
}

// SyncOutcome reports what SyncUser did (or would do) for one account.
type SyncOutcome struct {
	Action   string `json:"action"`
	Username string `json:"username"`
	DBName   string `json:"db_name"`
	RoleTag  string `json:"role_tag"`
	UserID   int64  `json:"user_id,omitempty"`
}

// Sync actions.
const (
	ActionCreated   = "created"
	ActionUpdated   = "updated"
	ActionWouldSync = "would_sync"
)

// SyncUser creates or updates one account and upserts its identity tag.
// Requires users.write and identity_tags.write. With DryRun set, nothing is
// written and the action is reported as "would_sync".
func (c *Context) SyncUser(ctx context.Context, in SyncUserInput) (*SyncOutcome, error) {
	if err := c.requireScope(ScopeUsersWrite); err != nil {
		return nil, err
	}
	if err := c.requireScope(ScopeIdentityTagsWrite); err != nil {
		return nil, err
	}

	username := strings.TrimSpace(in.Username)
	if username == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "username 不能为空",
			xerrors.WithMetadata("plugin", c.pluginName))
	}
	dbName := identity.NormalizeDBName(in.DBName)
	roleTag := identity.NormalizeRoleTag(in.RoleTag)
	email := strings.TrimSpace(in.Email)

	outcome := &SyncOutcome{
		Username: username,
		DBName:   dbName,
		RoleTag:  roleTag,
	}

	existing, err := c.store.FindUser(ctx, dbName, username)
	if err != nil && !stdErrors.Is(err, identity.ErrUserNotFound) {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询用户失败")
	}

	if in.DryRun {
		outcome.Action = ActionWouldSync
		if existing != nil {
			outcome.UserID = existing.ID
		}
		return outcome, nil
	}

	if existing != nil {
		userID, err := c.store.UpdateUser(ctx, dbName, username, email, in.IsActive)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新用户失败")
		}
		outcome.Action = ActionUpdated
		outcome.UserID = userID
	} else {
		secret, err := identity.RandomSecret()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "生成随机口令失败")
		}
		hash, err := identity.HashPassword(secret)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "口令散列失败")
		}
		userID, err := c.store.CreateUser(ctx, dbName, identity.User{
			Username: username,
			Email:    email,
			IsActive: in.IsActive,
		}, hash)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建用户失败")
		}
		outcome.Action = ActionCreated
		outcome.UserID = userID
	}

	if err := c.store.UpsertTag(ctx, dbName, username, roleTag, c.updatedBy()); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入身份标签失败")
	}
	return outcome, nil
}

// UserPage is one page of users with role tags joined in.
type UserPage struct {
	DBName string          `json:"db_name"`
	Count  int             `json:"count"`
	Items  []identity.User `json:"items"`
}

// ListUsers returns a page of users for a database, each row joined with its
// identity tag. Requires users.read and identity_tags.read. The limit is
// clamped to 1..2000, the offset to >= 0.
func (c *Context) ListUsers(ctx context.Context, dbName string, limit, offset int) (*UserPage, error) {
	if err := c.requireScope(ScopeUsersRead); err != nil {
		return nil, err
	}
	if err := c.requireScope(ScopeIdentityTagsRead); err != nil {
		return nil, err
	}

	cleanDB := identity.NormalizeDBName(dbName)
	if limit < 1 {
		limit = 1
	}
	if limit > 2000 {
		limit = 2000
	}
	if offset < 0 {
		offset = 0
	}

	users, err := c.store.ListUsers(ctx, cleanDB, limit, offset)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询用户列表失败")
	}
	tags, err := c.store.ListTags(ctx, cleanDB)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询身份标签失败")
	}

	for i := range users {
		if tag, ok := tags[users[i].Username]; ok {
			users[i].RoleTag = tag
			continue
		}
		if users[i].IsStaff {
			users[i].RoleTag = "admin"
		} else {
			users[i].RoleTag = "user"
		}
	}

	return &UserPage{DBName: cleanDB, Count: len(users), Items: users}, nil
}

// ListIdentityRoles returns all identity roles. Requires roles.read.
func (c *Context) ListIdentityRoles(ctx context.Context) ([]identity.Role, error) {
	if err := c.requireScope(ScopeRolesRead); err != nil {
		return nil, err
	}
	roles, err := c.store.ListRoles(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询身份角色失败")
	}
	return roles, nil
}

// UpsertIdentityRole creates or updates a role under its normalized name.
// Requires roles.write.
func (c *Context) UpsertIdentityRole(ctx context.Context, name, description string, isStaff bool) (*identity.Role, error) {
	if err := c.requireScope(ScopeRolesWrite); err != nil {
		return nil, err
	}
	role := identity.Role{
		Name:        identity.NormalizeRoleTag(name),
		Description: strings.TrimSpace(description),
		IsStaff:     isStaff,
	}
	if err := c.store.UpsertRole(ctx, role, c.updatedBy()); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入身份角色失败")
	}
	return &role, nil
}

// SetIdentityTag attaches a role tag to a user without touching the account
// row. Requires identity_tags.write.
func (c *Context) SetIdentityTag(ctx context.Context, username, dbName, roleTag string) error {
	if err := c.requireScope(ScopeIdentityTagsWrite); err != nil {
		return err
	}
	cleanUsername := strings.TrimSpace(username)
	if cleanUsername == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "username 不能为空",
			xerrors.WithMetadata("plugin", c.pluginName))
	}
	cleanDB := identity.NormalizeDBName(dbName)
	cleanRole := identity.NormalizeRoleTag(roleTag)
	if err := c.store.UpsertTag(ctx, cleanDB, cleanUsername, cleanRole, c.updatedBy()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入身份标签失败")
	}
	return nil
}

// EmitEvent republishes a plugin event on the host bus under the plugin's
// namespace. Requires events.emit. Returns the full event name.
func (c *Context) EmitEvent(ctx context.Context, event string, payload map[string]any) (string, error) {
	if err := c.requireScope(ScopeEventsEmit); err != nil {
		return "", err
	}
	clean := strings.TrimSpace(event)
	if clean == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "event 名称不能为空",
			xerrors.WithMetadata("plugin", c.pluginName))
	}
	if c.bus == nil {
		return "", xerrors.New(xerrors.CodeEventBusFailure, "事件总线不可用",
			xerrors.WithMetadata("plugin", c.pluginName))
	}
	full := fmt.Sprintf("plugin.%s.%s", c.pluginName, clean)
	if err := c.bus.Emit(ctx, full, payload); err != nil {
		return "", err
	}
	return full, nil
}

func (c *Context) updatedBy() string {
	return "plugin:" + c.pluginName
}
