package config

import (
	"fmt"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

// ServerSpec describes the background service kept alive inside the sandbox.
type ServerSpec struct {
	Name         string   `yaml:"name"`
	Command      string   `yaml:"command"`
	Port         int      `yaml:"port"`
	HealthPath   string   `yaml:"health_path"`
	Workdir      string   `yaml:"workdir"`
	ServableExts []string `yaml:"servable_extensions"`
}

// DefaultServerSpec serves the sandbox workdir over plain HTTP.
func DefaultServerSpec() ServerSpec {
	return ServerSpec{
		Name:         "preview",
		Command:      "python3 -m http.server 8000 --bind 0.0.0.0",
		Port:         8000,
		HealthPath:   "/",
		ServableExts: []string{".html", ".htm", ".css", ".js", ".json", ".svg", ".png"},
	}
}

// LoadServerSpec reads a YAML server spec. Unset fields fall back to
// DefaultServerSpec, except Command and Port which must be set together.
func LoadServerSpec(file string) (ServerSpec, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return ServerSpec{}, fmt.Errorf("reading server spec: %w", err)
	}

	spec := DefaultServerSpec()
	var raw ServerSpec
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return ServerSpec{}, fmt.Errorf("parsing server spec %s: %w", file, err)
	}

	if (raw.Command == "") != (raw.Port == 0) {
		return ServerSpec{}, fmt.Errorf("server spec %s: command and port must be set together", file)
	}
	if raw.Port < 0 || raw.Port > 65535 {
		return ServerSpec{}, fmt.Errorf("server spec %s: invalid port %d", file, raw.Port)
	}

	if raw.Name != "" {
		spec.Name = raw.Name
	}
	if raw.Command != "" {
		spec.Command = raw.Command
		spec.Port = raw.Port
	}
	if raw.HealthPath != "" {
		spec.HealthPath = raw.HealthPath
	}
	if !strings.HasPrefix(spec.HealthPath, "/") {
		spec.HealthPath = "/" + spec.HealthPath
	}
	spec.Workdir = raw.Workdir
	if len(raw.ServableExts) > 0 {
		spec.ServableExts = normalizeExts(raw.ServableExts)
	}
	return spec, nil
}

// Servable reports whether a write to p can change what the server serves.
func (s ServerSpec) Servable(p string) bool {
	ext := strings.ToLower(path.Ext(p))
	if ext == "" {
		return false
	}
	for _, e := range s.ServableExts {
		if e == ext {
			return true
		}
	}
	return false
}

func normalizeExts(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		out = append(out, e)
	}
	return out
}
