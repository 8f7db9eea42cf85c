// Package classdb provides class field layouts keyed by engine version, for
// serialized files stored without type trees.
//
// A database is a YAML document listing version groups. Each group names the
// engine version prefixes it covers and the classes it describes. Resolution
// picks the group with the longest prefix that matches the version on a
// dot boundary, so "2020.3" covers "2020.3.48f1" but not "2020.30.1".
package classdb

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/EchoTools/patchman/pkg/serialized"
)

// Field describes one field of a class layout.
type Field struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`

	// Align pads to four bytes after the field.
	Align bool `yaml:"align,omitempty"`

	// Element makes the field an array container of the named primitive type.
	Element string `yaml:"element,omitempty"`

	// Fields makes the field a composite.
	Fields []Field `yaml:"fields,omitempty"`
}

// Class is the layout of one class.
type Class struct {
	ID     int32   `yaml:"id"`
	Name   string  `yaml:"name"`
	Fields []Field `yaml:"fields"`
}

// Group holds the classes shared by a set of engine versions.
type Group struct {
	Versions []string `yaml:"versions"`
	Classes  []Class  `yaml:"classes"`
}

// Database is a set of version groups. It is safe for concurrent use.
type Database struct {
	Groups []Group `yaml:"groups"`

	mu    sync.Mutex
	cache map[cacheKey]*serialized.TypeNode
}

type cacheKey struct {
	group   int
	classID int32
}

// Parse decodes a YAML database and validates every layout in it.
func Parse(data []byte) (*Database, error) {
	db := &Database{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(db); err != nil {
		return nil, fmt.Errorf("parse class database: %w", err)
	}
	if err := db.validate(); err != nil {
		return nil, err
	}
	return db, nil
}

// Load reads a database from a YAML file or a compressed package.
func Load(path string) (*Database, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read class database: %w", err)
	}
	if IsPackage(data) {
		if data, err = ReadPackage(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("read class package %s: %w", path, err)
		}
	}
	return Parse(data)
}

//go:embed default.yaml
var defaultYAML []byte

var defaultDB = sync.OnceValues(func() (*Database, error) {
	return Parse(defaultYAML)
})

// Default returns the built-in database.
func Default() (*Database, error) {
	return defaultDB()
}

// DefaultYAML returns the source of the built-in database.
func DefaultYAML() []byte {
	return bytes.Clone(defaultYAML)
}

func (db *Database) validate() error {
	for gi, g := range db.Groups {
		if len(g.Versions) == 0 {
			return fmt.Errorf("group %d: no versions", gi)
		}
		seen := map[int32]bool{}
		for _, c := range g.Classes {
			if seen[c.ID] {
				return fmt.Errorf("group %s: class %d listed twice", g.Versions[0], c.ID)
			}
			seen[c.ID] = true
			if _, err := c.Layout(); err != nil {
				return fmt.Errorf("group %s: %w", g.Versions[0], err)
			}
		}
	}
	return nil
}

// Versions lists every version prefix in the database.
func (db *Database) Versions() []string {
	var out []string
	for _, g := range db.Groups {
		out = append(out, g.Versions...)
	}
	return out
}

// Match returns the index of the group covering version, or -1.
func (db *Database) Match(version string) int {
	best, bestLen := -1, -1
	for gi, g := range db.Groups {
		for _, prefix := range g.Versions {
			if matchesPrefix(version, prefix) && len(prefix) > bestLen {
				best, bestLen = gi, len(prefix)
			}
		}
	}
	return best
}

func matchesPrefix(version, prefix string) bool {
	if !strings.HasPrefix(version, prefix) {
		return false
	}
	return len(version) == len(prefix) || version[len(prefix)] == '.' || strings.HasSuffix(prefix, ".")
}

// Resolve returns the layout of classID for an engine version. Returned
// nodes are shared and must not be modified.
func (db *Database) Resolve(version string, classID int32) (*serialized.TypeNode, error) {
	gi := db.Match(version)
	if gi < 0 {
		return nil, fmt.Errorf("%w: %q", serialized.ErrUnknownEngineVersion, version)
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	key := cacheKey{gi, classID}
	if n, ok := db.cache[key]; ok {
		return n, nil
	}

	for _, c := range db.Groups[gi].Classes {
		if c.ID != classID {
			continue
		}
		n, err := c.Layout()
		if err != nil {
			return nil, err
		}
		if db.cache == nil {
			db.cache = make(map[cacheKey]*serialized.TypeNode)
		}
		db.cache[key] = n
		return n, nil
	}
	return nil, fmt.Errorf("%w: class %d for engine %s", serialized.ErrUnknownClass, classID, version)
}

// Layout converts the class into a type tree.
func (c *Class) Layout() (*serialized.TypeNode, error) {
	root := &serialized.TypeNode{Type: c.Name, Name: "Base", ByteSize: -1}
	for _, f := range c.Fields {
		n, err := f.node()
		if err != nil {
			return nil, fmt.Errorf("class %s: %w", c.Name, err)
		}
		root.Children = append(root.Children, n)
	}
	return root, nil
}

func (f *Field) node() (*serialized.TypeNode, error) {
	if f.Name == "" || f.Type == "" {
		return nil, fmt.Errorf("field %q: name and type are required", f.Name)
	}
	n := &serialized.TypeNode{Type: f.Type, Name: f.Name, ByteSize: -1}
	if f.Align {
		n.MetaFlag |= serialized.MetaAlign
	}

	switch {
	case f.Element != "":
		size, ok := serialized.PrimitiveSize(f.Element)
		if !ok {
			return nil, fmt.Errorf("field %s: element type %q is not a primitive", f.Name, f.Element)
		}
		n.Children = []*serialized.TypeNode{arrayNode(f.Element, int32(size), false)}

	case f.Type == "string":
		n.Children = []*serialized.TypeNode{arrayNode("char", 1, true)}

	case f.Type == "TypelessData":
		n.Children = []*serialized.TypeNode{
			{Type: "int", Name: "size", ByteSize: 4},
			{Type: "UInt8", Name: "data", ByteSize: 1},
		}

	case len(f.Fields) > 0:
		for _, child := range f.Fields {
			c, err := child.node()
			if err != nil {
				return nil, fmt.Errorf("%s.%w", f.Name, err)
			}
			n.Children = append(n.Children, c)
		}

	default:
		size, ok := serialized.PrimitiveSize(f.Type)
		if !ok {
			return nil, fmt.Errorf("field %s: unknown type %q", f.Name, f.Type)
		}
		n.ByteSize = int32(size)
	}
	return n, nil
}

func arrayNode(elem string, size int32, aligned bool) *serialized.TypeNode {
	n := &serialized.TypeNode{
		Type:     "Array",
		Name:     "Array",
		ByteSize: -1,
		Flags:    serialized.FlagArray,
		Children: []*serialized.TypeNode{
			{Type: "int", Name: "size", ByteSize: 4},
			{Type: elem, Name: "data", ByteSize: size},
		},
	}
	if aligned {
		n.MetaFlag = serialized.MetaAlign
	}
	return n
}
