package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"Nebula-Host/internal/identity"
)

// SQLIdentityStore persists users, identity roles and role tags in MySQL.
// It implements identity.Store and is the only component allowed to touch
// the identity schema.
type SQLIdentityStore struct {
	db *sql.DB
}

// NewSQLIdentityStore creates the store using the provided connection
// settings and applies pending schema migrations.
func NewSQLIdentityStore(ctx context.Context, cfg Config) (*SQLIdentityStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLIdentityStore{db: db}, nil
}

// Close releases the underlying database connection pool.
func (s *SQLIdentityStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// FindUser implements identity.Store.
func (s *SQLIdentityStore) FindUser(ctx context.Context, dbName, username string) (*identity.User, error) {
	const query = `SELECT id, username, email, is_staff, is_active
FROM identity_users WHERE db_name = ? AND username = ?`
	row := s.db.QueryRowContext(ctx, query, dbName, strings.TrimSpace(username))
	var user identity.User
	var email sql.NullString
	var isStaff, isActive int
	if err := row.Scan(&user.ID, &user.Username, &email, &isStaff, &isActive); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, identity.ErrUserNotFound
		}
		return nil, fmt.Errorf("查询用户失败: %w", err)
	}
	user.Email = email.String
	user.IsStaff = isStaff == 1
	user.IsActive = isActive == 1
	return &user, nil
}

// CreateUser implements identity.Store.
func (s *SQLIdentityStore) CreateUser(ctx context.Context, dbName string, user identity.User, passwordHash string) (int64, error) {
	const query = `INSERT INTO identity_users
(db_name, username, email, password_hash, is_staff, is_active, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	now := time.Now().Unix()
	result, err := s.db.ExecContext(ctx, query,
		dbName, user.Username, nullable(user.Email), passwordHash,
		boolToInt(user.IsStaff), boolToInt(user.IsActive), now, now)
	if err != nil {
		return 0, fmt.Errorf("创建用户失败: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("获取用户 ID 失败: %w", err)
	}
	return id, nil
}

// UpdateUser implements identity.Store.
func (s *SQLIdentityStore) UpdateUser(ctx context.Context, dbName, username, email string, isActive bool) (int64, error) {
	const query = `UPDATE identity_users SET email = ?, is_active = ?, updated_at = ?
WHERE db_name = ? AND username = ?`
	if _, err := s.db.ExecContext(ctx, query, nullable(email), boolToInt(isActive), time.Now().Unix(), dbName, username); err != nil {
		return 0, fmt.Errorf("更新用户失败: %w", err)
	}
	const idQuery = `SELECT id FROM identity_users WHERE db_name = ? AND username = ?`
	var id int64
	if err := s.db.QueryRowContext(ctx, idQuery, dbName, username).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, identity.ErrUserNotFound
		}
		return 0, fmt.Errorf("查询用户 ID 失败: %w", err)
	}
	return id, nil
}

// ListUsers implements identity.Store.
func (s *SQLIdentityStore) ListUsers(ctx context.Context, dbName string, limit, offset int) ([]identity.User, error) {
	const query = `SELECT id, username, email, is_staff, is_active
FROM identity_users WHERE db_name = ? ORDER BY username ASC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, dbName, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("查询用户列表失败: %w", err)
	}
	defer rows.Close()

	users := make([]identity.User, 0, limit)
	for rows.Next() {
		var user identity.User
		var email sql.NullString
		var isStaff, isActive int
		if err := rows.Scan(&user.ID, &user.Username, &email, &isStaff, &isActive); err != nil {
			return nil, fmt.Errorf("解析用户行失败: %w", err)
		}
		user.Email = email.String
		user.IsStaff = isStaff == 1
		user.IsActive = isActive == 1
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历用户列表失败: %w", err)
	}
	return users, nil
}

// ListTags implements identity.Store.
func (s *SQLIdentityStore) ListTags(ctx context.Context, dbName string) (map[string]string, error) {
	const query = `SELECT username, role_tag FROM user_identity_tags WHERE db_name = ?`
	rows, err := s.db.QueryContext(ctx, query, dbName)
	if err != nil {
		return nil, fmt.Errorf("查询身份标签失败: %w", err)
	}
	defer rows.Close()

	tags := make(map[string]string)
	for rows.Next() {
		var username, roleTag string
		if err := rows.Scan(&username, &roleTag); err != nil {
			return nil, fmt.Errorf("解析身份标签失败: %w", err)
		}
		tags[username] = roleTag
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历身份标签失败: %w", err)
	}
	return tags, nil
}

// UpsertTag implements identity.Store.
func (s *SQLIdentityStore) UpsertTag(ctx context.Context, dbName, username, roleTag, updatedBy string) error {
	const query = `INSERT INTO user_identity_tags (db_name, username, role_tag, updated_by, updated_at)
VALUES (?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE role_tag = VALUES(role_tag), updated_by = VALUES(updated_by), updated_at = VALUES(updated_at)`
	if _, err := s.db.ExecContext(ctx, query, dbName, username, roleTag, updatedBy, time.Now().Unix()); err != nil {
		return fmt.Errorf("写入身份标签失败: %w", err)
	}
	return nil
}

// ListRoles implements identity.Store.
func (s *SQLIdentityStore) ListRoles(ctx context.Context) ([]identity.Role, error) {
	const query = `SELECT name, description, is_staff FROM identity_roles ORDER BY name ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("查询角色失败: %w", err)
	}
	defer rows.Close()

	var roles []identity.Role
	for rows.Next() {
		var role identity.Role
		var description sql.NullString
		var isStaff int
		if err := rows.Scan(&role.Name, &description, &isStaff); err != nil {
			return nil, fmt.Errorf("解析角色失败: %w", err)
		}
		role.Description = description.String
		role.IsStaff = isStaff == 1
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历角色失败: %w", err)
	}
	return roles, nil
}

// UpsertRole implements identity.Store.
func (s *SQLIdentityStore) UpsertRole(ctx context.Context, role identity.Role, updatedBy string) error {
	const query = `INSERT INTO identity_roles (name, description, is_staff, updated_by, updated_at)
VALUES (?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE description = VALUES(description), is_staff = VALUES(is_staff),
updated_by = VALUES(updated_by), updated_at = VALUES(updated_at)`
	if _, err := s.db.ExecContext(ctx, query, role.Name, nullable(role.Description), boolToInt(role.IsStaff), updatedBy, time.Now().Unix()); err != nil {
		return fmt.Errorf("写入角色失败: %w", err)
	}
	return nil
}

func nullable(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
