package plugin

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "Nebula-Host/internal/errors"
)

// ManifestFile is the optional descriptor a plugin ships next to its entry
// point.
const ManifestFile = "plugin.yaml"

// Source labels where a plugin executes.
const (
	SourceInProcess = "in_process"
	SourceProcess   = "process"
	SourceRemote    = "remote"
)

// Manifest describes a discovered plugin. A missing manifest file yields a
// manifest with defaults; a malformed one is a hard error.
type Manifest struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Description string   `yaml:"description"`
	APIVersion  string   `yaml:"api_version"`
	Scopes      []string `yaml:"scopes"`
	Source      string   `yaml:"-"`
}

// SanitizedScopes returns the declared scopes intersected with the allowed
// set. Unknown scopes are dropped, never rejected.
func (m Manifest) SanitizedScopes() []string {
	return SanitizeScopes(m.Scopes)
}

// LoadManifest reads plugin.yaml from the plugin directory. The name and
// source always come from discovery, not from the file, so a manifest cannot
// impersonate another plugin.
func LoadManifest(name, pluginDir, source string) (Manifest, error) {
	manifest := Manifest{
		Name:       name,
		Version:    "0.1.0",
		APIVersion: APIVersion,
		Source:     source,
	}

	raw, err := os.ReadFile(filepath.Join(pluginDir, ManifestFile))
	if err != nil {
		if os.IsNotExist(err) {
			return manifest, nil
		}
		return Manifest{}, xerrors.Wrap(xerrors.CodeManifestInvalid, err, "读取 plugin.yaml 失败",
			xerrors.WithMetadata("plugin", name))
	}

	var decoded Manifest
	if err := yaml.Unmarshal(raw, &decoded); err != nil {
		return Manifest{}, xerrors.Wrap(xerrors.CodeManifestInvalid, err, "解析 plugin.yaml 失败",
			xerrors.WithMetadata("plugin", name))
	}

	if v := strings.TrimSpace(decoded.Version); v != "" {
		manifest.Version = v
	}
	manifest.Description = strings.TrimSpace(decoded.Description)
	manifest.Scopes = decoded.Scopes

	apiVersion := strings.TrimSpace(decoded.APIVersion)
	if apiVersion == "" {
		apiVersion = APIVersion
	}
	if apiVersion != APIVersion {
		return Manifest{}, xerrors.New(xerrors.CodeManifestInvalid, "不支持的插件 api_version",
			xerrors.WithMetadata("plugin", name),
			xerrors.WithMetadata("api_version", apiVersion))
	}
	manifest.APIVersion = apiVersion

	return manifest, nil
}
