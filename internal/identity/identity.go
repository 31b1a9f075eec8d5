package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// SystemDB is the reserved name of the host's own identity database. Client
// databases are stored alongside it under normalized file-safe names.
const SystemDB = "system.db"

// Common errors returned by identity stores.
var (
	ErrUserNotFound = errors.New("user not found")
	ErrRoleNotFound = errors.New("identity role not found")
)

// User represents a persisted account row as exposed to plugins. The password
// hash never leaves the store.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	IsStaff  bool   `json:"is_staff"`
	IsActive bool   `json:"is_active"`
	RoleTag  string `json:"role_tag,omitempty"`
}

// Role is a named identity role that can be attached to users via tags.
type Role struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	IsStaff     bool   `json:"is_staff"`
}

// Store abstracts the identity database consumed by the plugin capability
// context. Implementations must be safe for concurrent use. No other code
// path in the plugin subsystem may mutate identity state.
type Store interface {
	FindUser(ctx context.Context, dbName, username string) (*User, error)
	CreateUser(ctx context.Context, dbName string, user User, passwordHash string) (int64, error)
	UpdateUser(ctx context.Context, dbName, username, email string, isActive bool) (int64, error)
	ListUsers(ctx context.Context, dbName string, limit, offset int) ([]User, error)
	ListTags(ctx context.Context, dbName string) (map[string]string, error)
	UpsertTag(ctx context.Context, dbName, username, roleTag, updatedBy string) error
	ListRoles(ctx context.Context) ([]Role, error)
	UpsertRole(ctx context.Context, role Role, updatedBy string) error
	Close() error
}

// NormalizeRoleTag lowers a role tag and strips every character outside the
// storage-safe alphabet. Empty results fall back to "user".
func NormalizeRoleTag(roleTag string) string {
	token := strings.ToLower(strings.TrimSpace(roleTag))
	var b strings.Builder
	for _, ch := range token {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= '0' && ch <= '9', ch == '-', ch == '_':
			b.WriteRune(ch)
		default:
			b.WriteRune('-')
		}
	}
	cleaned := strings.Trim(b.String(), "-_")
	if cleaned == "" {
		return "user"
	}
	return cleaned
}

// NormalizeDBName maps a caller-supplied database name onto the restricted
// character set used for client database files. The system database name
// passes through unchanged.
func NormalizeDBName(dbName string) string {
	raw := strings.TrimSpace(dbName)
	if raw == "" || raw == SystemDB {
		return SystemDB
	}
	lowered := strings.ToLower(raw)
	var b strings.Builder
	for _, ch := range lowered {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= '0' && ch <= '9', ch == '-', ch == '_', ch == '.':
			b.WriteRune(ch)
		default:
			b.WriteRune('-')
		}
	}
	cleaned := strings.Trim(b.String(), "-.")
	if cleaned == "" {
		return SystemDB
	}
	if !strings.HasSuffix(cleaned, ".db") {
		cleaned += ".db"
	}
	return cleaned
}

// HashPassword derives a salted sha256 digest in "salt$hash" form. Accounts
// created by plugin sync always receive a random secret; the hash only exists
// so the row is complete until an operator resets it.
func HashPassword(secret string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	sum := sha256.Sum256(append(salt, []byte(secret)...))
	return hex.EncodeToString(salt) + "$" + hex.EncodeToString(sum[:]), nil
}

// RandomSecret returns a random password for accounts provisioned by sync.
func RandomSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
