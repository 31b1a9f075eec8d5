// Package runner is the worker-side half of the plugin runtime: it loads a
// plugin from its directory, applies the second resource-limit layer and
// serves the host RPC contract on a private unix socket.
package runner

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	goplugin "plugin"
	"strings"
	"sync"

	xerrors "Nebula-Host/internal/errors"
	hostplugin "Nebula-Host/internal/plugin"
)

// SharedObjectFile is the shared object a plugin directory may ship instead
// of a registered factory.
const SharedObjectFile = "plugin.so"

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]hostplugin.Factory)
)

// Register adds a compiled-in plugin factory under its plugin name.
// Typically called from an init function in the plugin's package.
func Register(name string, factory hostplugin.Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = factory
}

// Load creates the plugin instance for a plugin directory. Registered
// factories win over a plugin.so shared object. Every file under the
// directory must resolve inside it before anything is loaded.
func Load(name, pluginDir string) (hostplugin.Plugin, error) {
	if err := hostplugin.ValidateName(name); err != nil {
		return nil, err
	}
	if err := validatePluginDir(pluginDir); err != nil {
		return nil, err
	}

	factoriesMu.RLock()
	factory, registered := factories[name]
	factoriesMu.RUnlock()
	if registered {
		instance, err := factory()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeManifestInvalid, err, "插件工厂构造失败",
				xerrors.WithMetadata("plugin", name))
		}
		if instance == nil {
			return nil, xerrors.New(xerrors.CodeManifestInvalid, "插件工厂返回 nil",
				xerrors.WithMetadata("plugin", name))
		}
		return instance, nil
	}

	soPath := filepath.Join(pluginDir, SharedObjectFile)
	if _, err := os.Stat(soPath); err != nil {
		return nil, xerrors.New(xerrors.CodeNotFound,
			fmt.Sprintf("插件 %s 既无注册工厂也无 %s", name, SharedObjectFile))
	}
	return loadSharedObject(name, soPath)
}

// loadSharedObject opens a Go plugin and resolves its NewPlugin symbol. An
// optional PluginAPIVersion symbol is checked against the host version.
func loadSharedObject(name, path string) (hostplugin.Plugin, error) {
	so, err := goplugin.Open(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeManifestInvalid, err, "打开插件共享对象失败",
			xerrors.WithMetadata("plugin", name))
	}

	if symbol, err := so.Lookup("PluginAPIVersion"); err == nil {
		if version, ok := symbol.(*string); ok && *version != hostplugin.APIVersion {
			return nil, xerrors.New(xerrors.CodeManifestInvalid, "插件 API 版本不受支持",
				xerrors.WithMetadata("plugin", name),
				xerrors.WithMetadata("api_version", *version))
		}
	}

	symbol, err := so.Lookup("NewPlugin")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeManifestInvalid, err, "插件缺少 NewPlugin 符号",
			xerrors.WithMetadata("plugin", name))
	}
	switch p := symbol.(type) {
	case hostplugin.Factory:
		instance, err := p()
		if err != nil || instance == nil {
			return nil, xerrors.Wrap(xerrors.CodeManifestInvalid, err, "NewPlugin 构造失败",
				xerrors.WithMetadata("plugin", name))
		}
		return instance, nil
	case func() (hostplugin.Plugin, error):
		instance, err := p()
		if err != nil || instance == nil {
			return nil, xerrors.Wrap(xerrors.CodeManifestInvalid, err, "NewPlugin 构造失败",
				xerrors.WithMetadata("plugin", name))
		}
		return instance, nil
	case func() hostplugin.Plugin:
		instance := p()
		if instance == nil {
			return nil, xerrors.New(xerrors.CodeManifestInvalid, "NewPlugin 返回 nil",
				xerrors.WithMetadata("plugin", name))
		}
		return instance, nil
	default:
		return nil, xerrors.New(xerrors.CodeManifestInvalid, "NewPlugin 符号类型不符",
			xerrors.WithMetadata("plugin", name))
	}
}

// validatePluginDir walks the plugin directory and rejects any entry that
// resolves outside it, including via symlinks.
func validatePluginDir(pluginDir string) error {
	root, err := filepath.EvalSymlinks(pluginDir)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeNotFound, err, "插件目录不可用",
			xerrors.WithMetadata("dir", pluginDir))
	}
	root = filepath.Clean(root)

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		resolved, err := filepath.EvalSymlinks(path)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeManifestInvalid, err, "插件文件无法解析",
				xerrors.WithMetadata("path", path))
		}
		resolved = filepath.Clean(resolved)
		if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
			return xerrors.New(xerrors.CodeManifestInvalid, "插件文件越出插件目录",
				xerrors.WithMetadata("path", path))
		}
		return nil
	})
}
