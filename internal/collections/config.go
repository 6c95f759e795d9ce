// Package collections manages the YAML-configured content categories probed
// by pattern detection.
package collections

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Collection describes one content category of the vector index.
type Collection struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Probes      []string `yaml:"probes"`
	Disabled    bool     `yaml:"disabled"`
}

// ProbeTexts returns the broad query texts used to sample the category.
// The description is used when no probe is configured.
func (c *Collection) ProbeTexts() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.Probes))
	for _, p := range c.Probes {
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 && c.Description != "" {
		out = append(out, c.Description)
	}
	return out
}

// Config is the top-level YAML structure.
type Config struct {
	Collections []Collection `yaml:"collections"`
}

// Registry holds loaded collections, keyed by name.
type Registry struct {
	byName map[string]*Collection
	order  []string // preserves definition order
}

var defaultCollections = []Collection{
	{
		Name:        "cli_history",
		Description: "Memories extracted from coding assistant sessions",
		Probes: []string{
			"fixed a bug in the code and added a test",
			"configured the build and deployment",
			"refactored the module and updated the documentation",
		},
	},
	{
		Name:        "core_memory",
		Description: "Durable facts and decisions",
		Probes: []string{
			"decision about architecture and conventions",
			"project preference and workflow rule",
		},
	},
	{
		Name:        "workflow",
		Description: "Recorded multi-step workflows",
		Probes:      []string{"steps to run, test and release the project"},
	},
	{
		Name:        "native",
		Description: "Notes captured directly",
		Probes:      []string{"notes about the codebase"},
	},
}

// Default returns the built-in categories.
func Default() *Registry {
	r := &Registry{byName: make(map[string]*Collection, len(defaultCollections))}
	for _, c := range defaultCollections {
		c.Probes = append([]string(nil), c.Probes...)
		r.add(c)
	}
	return r
}

func (r *Registry) add(c Collection) {
	if _, exists := r.byName[c.Name]; !exists {
		r.order = append(r.order, c.Name)
	}
	r.byName[c.Name] = &c
}

// Load reads the YAML file at path and returns a Registry.
// If the file does not exist, Load returns an empty Registry (not an error).
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Registry{byName: make(map[string]*Collection)}, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	r := &Registry{
		byName: make(map[string]*Collection, len(cfg.Collections)),
	}
	for i, c := range cfg.Collections {
		if c.Name == "" {
			return nil, fmt.Errorf("collection %d: name is required", i)
		}
		r.add(c)
	}
	return r, nil
}

// LoadWithDefaults overlays the file at path on the built-in categories.
// Entries in the file replace built-in entries of the same name.
func LoadWithDefaults(path string) (*Registry, error) {
	file, err := Load(path)
	if err != nil {
		return nil, err
	}
	r := Default()
	for _, c := range file.All() {
		r.add(*c)
	}
	return r, nil
}

// Get returns a collection by name. Returns (nil, false) if not found.
func (r *Registry) Get(name string) (*Collection, bool) {
	c, ok := r.byName[name]
	return c, ok
}

// All returns all collections in definition order.
func (r *Registry) All() []*Collection {
	result := make([]*Collection, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.byName[name])
	}
	return result
}

// Enabled returns the collections that are not disabled, in definition order.
func (r *Registry) Enabled() []*Collection {
	result := make([]*Collection, 0, len(r.order))
	for _, c := range r.All() {
		if !c.Disabled {
			result = append(result, c)
		}
	}
	return result
}

// Names returns a sorted list of collection names.
func (r *Registry) Names() []string {
	names := make([]string, len(r.order))
	copy(names, r.order)
	sort.Strings(names)
	return names
}
