package plugin

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	xerrors "Nebula-Host/internal/errors"
)

// Token is the per-spawn credential a worker must echo back on every RPC.
// A new token is minted for every process start, so a stale worker from a
// previous generation can never answer for the current one.
type Token struct {
	PluginName string   `json:"plugin_name"`
	Scopes     []string `json:"scopes,omitempty"`
	Exp        int64    `json:"exp"`
	Nonce      string   `json:"nonce"`
}

// tokenTTL bounds how long a spawn token stays presentable for diagnostics.
// Authorization itself is byte equality against the current generation.
const tokenTTL = 5 * time.Minute

// MintToken 为一次 worker 启动签发新令牌。
func MintToken(pluginName string, scopes []string) (string, error) {
	token := Token{
		PluginName: pluginName,
		Scopes:     scopes,
		Exp:        time.Now().Add(tokenTTL).Unix(),
		Nonce:      uuid.NewString(),
	}
	raw, err := json.Marshal(token)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeUnknown, err, "令牌序列化失败")
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// ParseToken 解析令牌内容。仅用于诊断日志，鉴权只看字节相等。
func ParseToken(encoded string) (Token, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Token{}, xerrors.Wrap(xerrors.CodePermissionDenied, err, "令牌编码非法")
	}
	var token Token
	if err := json.Unmarshal(raw, &token); err != nil {
		return Token{}, xerrors.Wrap(xerrors.CodePermissionDenied, err, "令牌内容非法")
	}
	return token, nil
}

// TokenEqual 以常数时间比较两个令牌。
func TokenEqual(a, b string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
