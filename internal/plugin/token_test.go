package plugin

import (
	"testing"
	"time"
)

func TestMintAndParseToken(t *testing.T) {
	encoded, err := MintToken("sample-sync", []string{ScopeUsersWrite})
	if err != nil {
		t.Fatalf("签发令牌失败: %v", err)
	}

	token, err := ParseToken(encoded)
	if err != nil {
		t.Fatalf("解析令牌失败: %v", err)
	}
	if token.PluginName != "sample-sync" {
		t.Fatalf("unexpected plugin name: %s", token.PluginName)
	}
	if len(token.Scopes) != 1 || token.Scopes[0] != ScopeUsersWrite {
		t.Fatalf("unexpected scopes: %v", token.Scopes)
	}
	if token.Nonce == "" {
		t.Fatal("nonce should not be empty")
	}
	if token.Exp <= time.Now().Unix() {
		t.Fatalf("exp should be in the future, got %d", token.Exp)
	}
}

func TestMintTokenUniquePerSpawn(t *testing.T) {
	a, err := MintToken("p1", nil)
	if err != nil {
		t.Fatalf("签发令牌失败: %v", err)
	}
	b, err := MintToken("p1", nil)
	if err != nil {
		t.Fatalf("签发令牌失败: %v", err)
	}
	if a == b {
		t.Fatal("每次启动必须签发全新令牌")
	}
}

func TestTokenEqual(t *testing.T) {
	if !TokenEqual("abc", "abc") {
		t.Fatal("identical tokens should match")
	}
	if TokenEqual("abc", "abd") {
		t.Fatal("different tokens must not match")
	}
	if TokenEqual("", "") || TokenEqual("abc", "") {
		t.Fatal("empty tokens never match")
	}
}

func TestParseTokenRejectsGarbage(t *testing.T) {
	if _, err := ParseToken("!!not-base64!!"); err == nil {
		t.Fatal("应拒绝非法编码")
	}
	if _, err := ParseToken("bm90LWpzb24"); err == nil {
		t.Fatal("应拒绝非 JSON 内容")
	}
}
