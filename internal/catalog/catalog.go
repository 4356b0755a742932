// Package catalog holds the static map, mode and mod tables used to enrich
// lobby records.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultTable []byte

// UnknownName is the display name of a descriptor with no table entry.
const UnknownName = "Unknown"

type MapDescriptor struct {
	Key     string   `yaml:"key" json:"key"`
	Name    string   `yaml:"name" json:"name"`
	Game    string   `yaml:"game,omitempty" json:"game,omitempty"`
	Size    string   `yaml:"size,omitempty" json:"size,omitempty"`
	Aliases []string `yaml:"aliases,omitempty" json:"-"`
	Known   bool     `yaml:"-" json:"known"`
}

type ModeDescriptor struct {
	Key     string   `yaml:"key" json:"key"`
	Name    string   `yaml:"name" json:"name"`
	Team    bool     `yaml:"team,omitempty" json:"team,omitempty"`
	Aliases []string `yaml:"aliases,omitempty" json:"-"`
	Known   bool     `yaml:"-" json:"known"`
}

type ModDescriptor struct {
	Key     string   `yaml:"key" json:"key"`
	Name    string   `yaml:"name" json:"name"`
	URL     string   `yaml:"url,omitempty" json:"url,omitempty"`
	Aliases []string `yaml:"aliases,omitempty" json:"-"`
	Known   bool     `yaml:"-" json:"known"`
}

type table struct {
	Maps  []MapDescriptor  `yaml:"maps"`
	Modes []ModeDescriptor `yaml:"modes"`
	Mods  []ModDescriptor  `yaml:"mods"`
}

// Catalog is read-only after construction and safe for concurrent use.
type Catalog struct {
	maps  map[string]MapDescriptor
	modes map[string]ModeDescriptor
	mods  map[string]ModDescriptor
}

// Default returns the embedded tables.
func Default() *Catalog {
	c, err := Parse(defaultTable)
	if err != nil {
		panic(fmt.Sprintf("embedded catalog: %v", err))
	}
	return c
}

// Parse builds a catalog from YAML.
func Parse(data []byte) (*Catalog, error) {
	c := &Catalog{
		maps:  make(map[string]MapDescriptor),
		modes: make(map[string]ModeDescriptor),
		mods:  make(map[string]ModDescriptor),
	}
	if err := c.merge(data); err != nil {
		return nil, err
	}
	return c, nil
}

// Load returns the embedded tables with entries from the YAML file at path
// layered on top. An empty path returns the defaults.
func Load(path string) (*Catalog, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}
	if err := c.merge(data); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return c, nil
}

func (c *Catalog) merge(data []byte) error {
	var t table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return err
	}
	for _, d := range t.Maps {
		if d.Key == "" {
			return fmt.Errorf("map %q has no key", d.Name)
		}
		d.Known = true
		for _, name := range names(d.Key, d.Name, d.Aliases) {
			c.maps[name] = d
		}
	}
	for _, d := range t.Modes {
		if d.Key == "" {
			return fmt.Errorf("mode %q has no key", d.Name)
		}
		d.Known = true
		for _, name := range names(d.Key, d.Name, d.Aliases) {
			c.modes[name] = d
		}
	}
	for _, d := range t.Mods {
		if d.Key == "" {
			return fmt.Errorf("mod %q has no key", d.Name)
		}
		d.Known = true
		for _, name := range names(d.Key, d.Name, d.Aliases) {
			c.mods[name] = d
		}
	}
	return nil
}

func names(key, name string, aliases []string) []string {
	out := []string{fold(key)}
	if name != "" {
		out = append(out, fold(name))
	}
	for _, a := range aliases {
		out = append(out, fold(a))
	}
	return out
}

func fold(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Map looks name up case-insensitively. Misses return an Unknown descriptor
// whose key is the folded input.
func (c *Catalog) Map(name string) MapDescriptor {
	if d, ok := c.maps[fold(name)]; ok {
		return d
	}
	return MapDescriptor{Key: fold(name), Name: UnknownName}
}

func (c *Catalog) Mode(name string) ModeDescriptor {
	if d, ok := c.modes[fold(name)]; ok {
		return d
	}
	return ModeDescriptor{Key: fold(name), Name: UnknownName}
}

func (c *Catalog) Mod(name string) ModDescriptor {
	if d, ok := c.mods[fold(name)]; ok {
		return d
	}
	return ModDescriptor{Key: fold(name), Name: UnknownName}
}

// Counts reports the number of distinct entries per table.
func (c *Catalog) Counts() (maps, modes, mods int) {
	distinct := func(keys []string) int {
		seen := make(map[string]bool)
		for _, k := range keys {
			seen[k] = true
		}
		return len(seen)
	}
	var mk, mo, md []string
	for _, d := range c.maps {
		mk = append(mk, d.Key)
	}
	for _, d := range c.modes {
		mo = append(mo, d.Key)
	}
	for _, d := range c.mods {
		md = append(md, d.Key)
	}
	return distinct(mk), distinct(mo), distinct(md)
}
