// Package plugin implements the isolation and supervision subsystem for
// Nebula host plugins: manifest loading, scoped capability contexts,
// sandboxed worker processes with cgroup v2 resource groups, and the
// manager that discovers, spawns, health-checks and restarts plugins.
package plugin

import (
	"context"
	"regexp"
	"sort"

	xerrors "Nebula-Host/internal/errors"
)

// APIVersion is the contract version spoken between the host and plugins.
// Manifests declaring any other version are rejected at load time.
const APIVersion = "v1"

// Capability scopes a plugin may request in its manifest. Anything outside
// this set is silently dropped during sanitization.
const (
	ScopeUsersRead         = "users.read"
	ScopeUsersWrite        = "users.write"
	ScopeRolesRead         = "roles.read"
	ScopeRolesWrite        = "roles.write"
	ScopeIdentityTagsRead  = "identity_tags.read"
	ScopeIdentityTagsWrite = "identity_tags.write"
	ScopeEventsEmit        = "events.emit"
)

var allowedScopes = map[string]struct{}{
	ScopeUsersRead:         {},
	ScopeUsersWrite:        {},
	ScopeRolesRead:         {},
	ScopeRolesWrite:        {},
	ScopeIdentityTagsRead:  {},
	ScopeIdentityTagsWrite: {},
	ScopeEventsEmit:        {},
}

// SanitizeScopes intersects the declared scopes with the allowed set and
// returns a sorted, deduplicated slice.
func SanitizeScopes(declared []string) []string {
	seen := make(map[string]struct{}, len(declared))
	var out []string
	for _, scope := range declared {
		if _, ok := allowedScopes[scope]; !ok {
			continue
		}
		if _, dup := seen[scope]; dup {
			continue
		}
		seen[scope] = struct{}{}
		out = append(out, scope)
	}
	sort.Strings(out)
	return out
}

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{1,63}$`)

// ValidateName checks a plugin name before it is used in any filesystem
// path, cgroup name or process argument.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return xerrors.New(xerrors.CodeInvalidArgument, "非法的插件名称",
			xerrors.WithMetadata("plugin", name))
	}
	return nil
}

// Plugin is the contract every hosted plugin implements. Health and
// SyncUsers exchange loosely-typed JSON objects so the same shapes travel
// unchanged over the worker RPC boundary.
type Plugin interface {
	Initialize(ctx context.Context, host *Context) error
	Health(ctx context.Context) (map[string]any, error)
	SyncUsers(ctx context.Context, payload map[string]any) (map[string]any, error)
	Shutdown(ctx context.Context) error
}

// Factory constructs a fresh plugin instance. Workers look factories up by
// plugin name in the runner registry.
type Factory func() (Plugin, error)

// Base provides no-op lifecycle hooks so plugins only implement what they
// need.
type Base struct{}

// Initialize 默认实现，不做任何事。
func (Base) Initialize(context.Context, *Context) error { return nil }

// Health 默认实现，返回 ok 状态。
func (Base) Health(context.Context) (map[string]any, error) {
	return map[string]any{"status": "ok"}, nil
}

// SyncUsers 默认实现，声明插件不支持用户同步。
func (Base) SyncUsers(context.Context, map[string]any) (map[string]any, error) {
	return nil, xerrors.New(xerrors.CodeInvalidArgument, "插件未实现 sync_users")
}

// Shutdown 默认实现，不做任何事。
func (Base) Shutdown(context.Context) error { return nil }
