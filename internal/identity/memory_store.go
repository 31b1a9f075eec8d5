package identity

import (
	"context"
	"sort"
	"strings"
	"sync"
)

type memoryUser struct {
	User
	passwordHash string
}

type tagKey struct {
	dbName   string
	username string
}

// MemoryStore 以内存方式保存身份数据，主要用于开发模式和测试。
type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	users  map[string]map[string]*memoryUser
	tags   map[tagKey]string
	roles  map[string]Role
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID: 1,
		users:  make(map[string]map[string]*memoryUser),
		tags:   make(map[tagKey]string),
		roles:  make(map[string]Role),
	}
}

func (m *MemoryStore) db(dbName string) map[string]*memoryUser {
	table, ok := m.users[dbName]
	if !ok {
		table = make(map[string]*memoryUser)
		m.users[dbName] = table
	}
	return table
}

// FindUser 实现 Store 接口。
func (m *MemoryStore) FindUser(_ context.Context, dbName, username string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	table, ok := m.users[dbName]
	if !ok {
		return nil, ErrUserNotFound
	}
	row, ok := table[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	clone := row.User
	return &clone, nil
}

// CreateUser 实现 Store 接口。
func (m *MemoryStore) CreateUser(_ context.Context, dbName string, user User, passwordHash string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	table := m.db(dbName)
	user.ID = m.nextID
	m.nextID++
	table[user.Username] = &memoryUser{User: user, passwordHash: passwordHash}
	return user.ID, nil
}

// UpdateUser 实现 Store 接口。
func (m *MemoryStore) UpdateUser(_ context.Context, dbName, username, email string, isActive bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	table, ok := m.users[dbName]
	if !ok {
		return 0, ErrUserNotFound
	}
	row, ok := table[username]
	if !ok {
		return 0, ErrUserNotFound
	}
	row.Email = email
	row.IsActive = isActive
	return row.ID, nil
}

// ListUsers 实现 Store 接口，按用户名排序分页。
func (m *MemoryStore) ListUsers(_ context.Context, dbName string, limit, offset int) ([]User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	table := m.users[dbName]
	names := make([]string, 0, len(table))
	for name := range table {
		names = append(names, name)
	}
	sort.Strings(names)

	if offset >= len(names) {
		return []User{}, nil
	}
	end := offset + limit
	if end > len(names) {
		end = len(names)
	}
	out := make([]User, 0, end-offset)
	for _, name := range names[offset:end] {
		out = append(out, table[name].User)
	}
	return out, nil
}

// ListTags 实现 Store 接口。
func (m *MemoryStore) ListTags(_ context.Context, dbName string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string)
	for key, tag := range m.tags {
		if key.dbName == dbName {
			out[key.username] = tag
		}
	}
	return out, nil
}

// UpsertTag 实现 Store 接口。
func (m *MemoryStore) UpsertTag(_ context.Context, dbName, username, roleTag, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tags[tagKey{dbName: dbName, username: username}] = roleTag
	return nil
}

// ListRoles 实现 Store 接口，按名称排序。
func (m *MemoryStore) ListRoles(_ context.Context) ([]Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Role, 0, len(m.roles))
	for _, role := range m.roles {
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return strings.Compare(out[i].Name, out[j].Name) < 0 })
	return out, nil
}

// UpsertRole 实现 Store 接口。
func (m *MemoryStore) UpsertRole(_ context.Context, role Role, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles[role.Name] = role
	return nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }
