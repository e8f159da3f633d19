// Package preset discovers the driving-motion clips that animate a portrait.
// Every *.mp4 file in the presets directory is a preset named after its stem.
package preset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownPreset is returned when a preset name is not registered.
var ErrUnknownPreset = errors.New("preset: unknown preset")

// Preset is one driving-motion clip.
type Preset struct {
	Name string
	Path string
}

// Registry holds the discovered presets. It is safe for concurrent use.
type Registry struct {
	dir string

	mu      sync.RWMutex
	presets map[string]Preset
}

// NewRegistry scans dir for presets.
func NewRegistry(dir string) (*Registry, error) {
	r := &Registry{dir: dir}
	if err := r.Refresh(); err != nil {
		return nil, err
	}
	return r, nil
}

// Refresh rescans the presets directory. A missing directory yields an
// empty registry.
func (r *Registry) Refresh() error {
	found, err := discover(r.dir)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.presets = found
	r.mu.Unlock()
	return nil
}

// Lookup returns the preset registered under name.
func (r *Registry) Lookup(name string) (Preset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.presets[name]
	if !ok {
		return Preset{}, fmt.Errorf("%w: %q", ErrUnknownPreset, name)
	}
	return p, nil
}

// Names returns the registered preset names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.presets))
	for name := range r.presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered presets.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.presets)
}

func discover(dir string) (map[string]Preset, error) {
	found := make(map[string]Preset)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return found, nil
		}
		return nil, fmt.Errorf("preset: read %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".mp4") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		found[name] = Preset{Name: name, Path: filepath.Join(dir, e.Name())}
	}
	return found, nil
}
