package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	xerrors "Nebula-Host/internal/errors"
	hostplugin "Nebula-Host/internal/plugin"
)

type stubPlugin struct {
	hostplugin.Base
}

func okFactory() (hostplugin.Plugin, error) {
	return &stubPlugin{}, nil
}

func TestLoadRegisteredFactory(t *testing.T) {
	Register("reg-demo", okFactory)

	instance, err := Load("reg-demo", t.TempDir())
	if err != nil {
		t.Fatalf("加载注册插件失败: %v", err)
	}
	if instance == nil {
		t.Fatal("expected a plugin instance")
	}
	data, err := instance.Health(context.Background())
	if err != nil || data["status"] != "ok" {
		t.Fatalf("unexpected health: %v %v", data, err)
	}
}

func TestLoadFactoryFailure(t *testing.T) {
	Register("broken-factory", func() (hostplugin.Plugin, error) {
		return nil, fmt.Errorf("构造失败")
	})
	_, err := Load("broken-factory", t.TempDir())
	if xerrors.CodeOf(err) != xerrors.CodeManifestInvalid {
		t.Fatalf("工厂失败应返回 MANIFEST_INVALID, got %v", err)
	}

	Register("nil-factory", func() (hostplugin.Plugin, error) {
		return nil, nil
	})
	_, err = Load("nil-factory", t.TempDir())
	if xerrors.CodeOf(err) != xerrors.CodeManifestInvalid {
		t.Fatalf("nil 实例应返回 MANIFEST_INVALID, got %v", err)
	}
}

func TestLoadInvalidName(t *testing.T) {
	if _, err := Load("../escape", t.TempDir()); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("非法名称应被拒绝, got %v", err)
	}
}

func TestLoadWithoutBacking(t *testing.T) {
	_, err := Load("no-backing", t.TempDir())
	if xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("既无工厂也无共享对象应返回 NOT_FOUND, got %v", err)
	}
}

func TestLoadMissingDirectory(t *testing.T) {
	_, err := Load("ghost-dir", filepath.Join(t.TempDir(), "does-not-exist"))
	if xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("缺失目录应返回 NOT_FOUND, got %v", err)
	}
}

func TestLoadRejectsSymlinkEscape(t *testing.T) {
	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.txt")
	if err := os.WriteFile(secret, []byte("x"), 0o644); err != nil {
		t.Fatalf("写入文件失败: %v", err)
	}

	pluginDir := t.TempDir()
	if err := os.Symlink(secret, filepath.Join(pluginDir, "link")); err != nil {
		t.Skipf("symlink 不可用: %v", err)
	}

	Register("escapee", okFactory)
	_, err := Load("escapee", pluginDir)
	if xerrors.CodeOf(err) != xerrors.CodeManifestInvalid {
		t.Fatalf("越出插件目录的符号链接应被拒绝, got %v", err)
	}
}
