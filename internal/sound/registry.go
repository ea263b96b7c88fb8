package sound

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Registry maps semantic sound names to on-disk file paths relative to a
// base directory (spec §6, "Static assets referenced by the sound
// protocol"). A SoundOp's Path may be either a literal relative path or a
// registry key; Resolve tries the registry first, falling back to treating
// the value as a literal path joined to Base.
type Registry struct {
	Base  string
	Names map[string]string
}

// LoadRegistry reads a YAML document of {name: relative/path} pairs.
func LoadRegistry(path, base string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	names := map[string]string{}
	if err := yaml.Unmarshal(raw, &names); err != nil {
		return nil, err
	}
	return &Registry{Base: base, Names: names}, nil
}

// Resolve returns the on-disk path for a sound name or literal relative
// path, joined to the registry's base directory.
func (r *Registry) Resolve(nameOrPath string) string {
	if r == nil {
		return nameOrPath
	}
	if p, ok := r.Names[nameOrPath]; ok {
		return filepath.Join(r.Base, p)
	}
	return filepath.Join(r.Base, nameOrPath)
}
