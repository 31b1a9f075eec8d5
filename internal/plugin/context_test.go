package plugin

import (
	"context"
	"testing"

	xerrors "Nebula-Host/internal/errors"
	"Nebula-Host/internal/events"
	"Nebula-Host/internal/identity"
)

func allScopes() []string {
	return []string{
		ScopeUsersRead, ScopeUsersWrite,
		ScopeRolesRead, ScopeRolesWrite,
		ScopeIdentityTagsRead, ScopeIdentityTagsWrite,
		ScopeEventsEmit,
	}
}

func TestContextScopeDenialFailsFast(t *testing.T) {
	store := identity.NewMemoryStore()
	host := NewContext("locked-down", []string{ScopeUsersRead}, store, nil)

	_, err := host.SyncUser(context.Background(), SyncUserInput{Username: "alice"})
	if err == nil {
		t.Fatal("缺少写权限时 SyncUser 应失败")
	}
	if xerrors.CodeOf(err) != xerrors.CodePermissionDenied {
		t.Fatalf("unexpected error code: %s", xerrors.CodeOf(err))
	}

	// 权限拒绝必须发生在任何写入之前。
	if _, err := store.FindUser(context.Background(), identity.SystemDB, "alice"); err == nil {
		t.Fatal("scope denial must not leave partial writes")
	}
}

func TestContextSyncUserCreateThenUpdate(t *testing.T) {
	store := identity.NewMemoryStore()
	host := NewContext("sync", allScopes(), store, nil)
	ctx := context.Background()

	created, err := host.SyncUser(ctx, SyncUserInput{
		Username: " alice ",
		DBName:   "Client One",
		RoleTag:  "Senior Dev!",
		Email:    "alice@example.local",
		IsActive: true,
	})
	if err != nil {
		t.Fatalf("SyncUser 创建失败: %v", err)
	}
	if created.Action != ActionCreated {
		t.Fatalf("expected created, got %s", created.Action)
	}
	if created.DBName != "client-one.db" {
		t.Fatalf("db name not normalized: %s", created.DBName)
	}
	if created.RoleTag != "senior-dev" {
		t.Fatalf("role tag not normalized: %s", created.RoleTag)
	}
	if created.UserID == 0 {
		t.Fatal("created user should carry an id")
	}

	updated, err := host.SyncUser(ctx, SyncUserInput{
		Username: "alice",
		DBName:   "client-one.db",
		RoleTag:  "developer",
		Email:    "new@example.local",
		IsActive: false,
	})
	if err != nil {
		t.Fatalf("SyncUser 更新失败: %v", err)
	}
	if updated.Action != ActionUpdated || updated.UserID != created.UserID {
		t.Fatalf("unexpected update outcome: %+v", updated)
	}

	row, err := store.FindUser(ctx, "client-one.db", "alice")
	if err != nil {
		t.Fatalf("查询用户失败: %v", err)
	}
	if row.Email != "new@example.local" || row.IsActive {
		t.Fatalf("update not persisted: %+v", row)
	}
}

func TestContextSyncUserDryRun(t *testing.T) {
	store := identity.NewMemoryStore()
	host := NewContext("sync", allScopes(), store, nil)
	ctx := context.Background()

	outcome, err := host.SyncUser(ctx, SyncUserInput{Username: "ghost", DryRun: true})
	if err != nil {
		t.Fatalf("dry run 失败: %v", err)
	}
	if outcome.Action != ActionWouldSync {
		t.Fatalf("expected would_sync, got %s", outcome.Action)
	}
	if _, err := store.FindUser(ctx, identity.SystemDB, "ghost"); err == nil {
		t.Fatal("dry run must not write")
	}
	tags, _ := store.ListTags(ctx, identity.SystemDB)
	if len(tags) != 0 {
		t.Fatal("dry run must not upsert tags")
	}
}

func TestContextSyncUserRequiresUsername(t *testing.T) {
	host := NewContext("sync", allScopes(), identity.NewMemoryStore(), nil)
	_, err := host.SyncUser(context.Background(), SyncUserInput{Username: "   "})
	if err == nil || xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("空 username 应返回 INVALID_ARGUMENT, got %v", err)
	}
}

func TestContextListUsersJoinsTags(t *testing.T) {
	store := identity.NewMemoryStore()
	host := NewContext("reader", allScopes(), store, nil)
	ctx := context.Background()

	seed := []identity.User{
		{Username: "admin.amy", IsStaff: true, IsActive: true},
		{Username: "plain.pete", IsActive: true},
		{Username: "tagged.tina", IsActive: true},
	}
	for _, user := range seed {
		if _, err := store.CreateUser(ctx, identity.SystemDB, user, "x$y"); err != nil {
			t.Fatalf("写入用户失败: %v", err)
		}
	}
	if err := store.UpsertTag(ctx, identity.SystemDB, "tagged.tina", "auditor", "test"); err != nil {
		t.Fatalf("写入标签失败: %v", err)
	}

	page, err := host.ListUsers(ctx, "", 0, -5)
	if err != nil {
		t.Fatalf("ListUsers 失败: %v", err)
	}
	if page.DBName != identity.SystemDB {
		t.Fatalf("unexpected db name: %s", page.DBName)
	}
	// limit 被钳制到 1。
	if page.Count != 1 {
		t.Fatalf("limit clamp failed, count=%d", page.Count)
	}

	page, err = host.ListUsers(ctx, identity.SystemDB, 100, 0)
	if err != nil {
		t.Fatalf("ListUsers 失败: %v", err)
	}
	byName := make(map[string]identity.User)
	for _, user := range page.Items {
		byName[user.Username] = user
	}
	if byName["admin.amy"].RoleTag != "admin" {
		t.Fatalf("staff fallback tag expected admin, got %s", byName["admin.amy"].RoleTag)
	}
	if byName["plain.pete"].RoleTag != "user" {
		t.Fatalf("default tag expected user, got %s", byName["plain.pete"].RoleTag)
	}
	if byName["tagged.tina"].RoleTag != "auditor" {
		t.Fatalf("stored tag expected auditor, got %s", byName["tagged.tina"].RoleTag)
	}
}

func TestContextRolesRoundTrip(t *testing.T) {
	store := identity.NewMemoryStore()
	host := NewContext("roles", allScopes(), store, nil)
	ctx := context.Background()

	role, err := host.UpsertIdentityRole(ctx, "  Site Reliability  ", " keeps things up ", true)
	if err != nil {
		t.Fatalf("UpsertIdentityRole 失败: %v", err)
	}
	if role.Name != "site-reliability" || !role.IsStaff {
		t.Fatalf("unexpected role: %+v", role)
	}

	roles, err := host.ListIdentityRoles(ctx)
	if err != nil {
		t.Fatalf("ListIdentityRoles 失败: %v", err)
	}
	if len(roles) != 1 || roles[0].Description != "keeps things up" {
		t.Fatalf("unexpected roles: %v", roles)
	}
}

func TestContextSetIdentityTag(t *testing.T) {
	store := identity.NewMemoryStore()
	host := NewContext("tagger", allScopes(), store, nil)
	ctx := context.Background()

	if err := host.SetIdentityTag(ctx, "bob", "ops", "On Call"); err != nil {
		t.Fatalf("SetIdentityTag 失败: %v", err)
	}
	tags, err := store.ListTags(ctx, "ops.db")
	if err != nil {
		t.Fatalf("读取标签失败: %v", err)
	}
	if tags["bob"] != "on-call" {
		t.Fatalf("unexpected tag: %v", tags)
	}

	if err := host.SetIdentityTag(ctx, "", "ops", "x"); err == nil {
		t.Fatal("空 username 应被拒绝")
	}
}

func TestContextEmitEventNamespacing(t *testing.T) {
	bus := events.NewMemoryBus()
	defer bus.Close()

	var got []events.Envelope
	bus.Subscribe("plugin.emitter.sync.done", func(_ context.Context, env events.Envelope) {
		got = append(got, env)
	}, false)

	host := NewContext("emitter", allScopes(), identity.NewMemoryStore(), bus)
	full, err := host.EmitEvent(context.Background(), " sync.done ", map[string]any{"count": 2})
	if err != nil {
		t.Fatalf("EmitEvent 失败: %v", err)
	}
	if full != "plugin.emitter.sync.done" {
		t.Fatalf("unexpected event name: %s", full)
	}
	if len(got) != 1 || got[0].Payload["count"] != 2 {
		t.Fatalf("event not delivered: %v", got)
	}
}

func TestContextEmitEventWithoutBus(t *testing.T) {
	host := NewContext("emitter", allScopes(), identity.NewMemoryStore(), nil)
	_, err := host.EmitEvent(context.Background(), "x", nil)
	if err == nil || xerrors.CodeOf(err) != xerrors.CodeEventBusFailure {
		t.Fatalf("无总线时应返回 EVENT_BUS_FAILURE, got %v", err)
	}
}
