package dsl

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/takurot/mlprep/internal/errs"
)

// errAt builds a ConfigError positioned at n.
func errAt(n *yaml.Node, path, format string, args ...any) *errs.Error {
	e := errs.Configf(format, args...).AtPath(path)
	if n != nil {
		e.AtPos(n.Line, n.Column)
	}
	return e
}

func isNull(n *yaml.Node) bool {
	return n == nil || (n.Kind == yaml.ScalarNode && n.Tag == "!!null")
}

func kindName(n *yaml.Node) string {
	switch n.Kind {
	case yaml.MappingNode:
		return "mapping"
	case yaml.SequenceNode:
		return "list"
	case yaml.ScalarNode:
		if n.Tag == "!!null" {
			return "null"
		}
		return "scalar " + strings.TrimPrefix(n.Tag, "!!")
	case yaml.AliasNode:
		return "alias"
	}
	return "document"
}

// mapping is a decoded YAML mapping that remembers which keys were read so
// unknown keys can be rejected.
type mapping struct {
	node   *yaml.Node
	path   string
	keys   []*yaml.Node
	values map[string]*yaml.Node
	used   map[string]bool
}

// asMapping decodes n as a mapping. A null node yields an empty mapping.
func asMapping(n *yaml.Node, path string) (*mapping, error) {
	m := &mapping{node: n, path: path, values: map[string]*yaml.Node{}, used: map[string]bool{}}
	if isNull(n) {
		return m, nil
	}
	if n.Kind != yaml.MappingNode {
		return nil, errAt(n, path, "expected a mapping, got %s", kindName(n))
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		k, v := n.Content[i], n.Content[i+1]
		if k.Kind != yaml.ScalarNode {
			return nil, errAt(k, path, "mapping keys must be scalars")
		}
		if _, dup := m.values[k.Value]; dup {
			return nil, errAt(k, m.child(k.Value), "duplicate key %q", k.Value)
		}
		m.keys = append(m.keys, k)
		m.values[k.Value] = v
	}
	return m, nil
}

func (m *mapping) child(key string) string {
	if m.path == "" {
		return key
	}
	return m.path + "." + key
}

// get returns the value of key and marks it read.
func (m *mapping) get(key string) (*yaml.Node, bool) {
	v, ok := m.values[key]
	if ok {
		m.used[key] = true
	}
	return v, ok && !isNull(v)
}

// first returns the first present key among aliases.
func (m *mapping) first(keys ...string) (string, *yaml.Node, bool) {
	for _, k := range keys {
		if v, ok := m.get(k); ok {
			return k, v, true
		}
	}
	return "", nil, false
}

func (m *mapping) has(key string) bool {
	_, ok := m.values[key]
	return ok
}

// finish rejects the first key that was never read.
func (m *mapping) finish() error {
	for _, k := range m.keys {
		if !m.used[k.Value] {
			return errAt(k, m.child(k.Value), "unknown key %q", k.Value)
		}
	}
	return nil
}

func (m *mapping) required(key string) (*yaml.Node, error) {
	v, ok := m.get(key)
	if !ok {
		at := m.node
		if m.has(key) {
			at = m.values[key]
		}
		return nil, errAt(at, m.child(key), "missing required field %q", key)
	}
	return v, nil
}

func (m *mapping) str(key string, required bool) (string, error) {
	v, ok := m.get(key)
	if !ok {
		if required {
			_, err := m.required(key)
			return "", err
		}
		return "", nil
	}
	return scalarString(v, m.child(key))
}

func (m *mapping) strList(key string, required bool) ([]string, error) {
	v, ok := m.get(key)
	if !ok {
		if required {
			_, err := m.required(key)
			return nil, err
		}
		return nil, nil
	}
	return stringList(v, m.child(key))
}

func (m *mapping) boolean(key string, def bool) (bool, error) {
	v, ok := m.get(key)
	if !ok {
		return def, nil
	}
	return scalarBool(v, m.child(key))
}

func (m *mapping) integer(key string, def int64) (int64, error) {
	v, ok := m.get(key)
	if !ok {
		return def, nil
	}
	return scalarInt(v, m.child(key))
}

func (m *mapping) number(key string) (*float64, error) {
	v, ok := m.get(key)
	if !ok {
		return nil, nil
	}
	f, err := scalarFloat(v, m.child(key))
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func scalarString(n *yaml.Node, path string) (string, error) {
	if n.Kind != yaml.ScalarNode || isNull(n) {
		return "", errAt(n, path, "expected a string, got %s", kindName(n))
	}
	return n.Value, nil
}

func stringList(n *yaml.Node, path string) ([]string, error) {
	if n.Kind == yaml.ScalarNode && !isNull(n) {
		return []string{n.Value}, nil
	}
	if n.Kind != yaml.SequenceNode {
		return nil, errAt(n, path, "expected a list of strings, got %s", kindName(n))
	}
	out := make([]string, 0, len(n.Content))
	for i, c := range n.Content {
		s, err := scalarString(c, fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func scalarBool(n *yaml.Node, path string) (bool, error) {
	if n.Kind != yaml.ScalarNode || n.Tag != "!!bool" {
		return false, errAt(n, path, "expected a boolean, got %s", kindName(n))
	}
	var b bool
	if err := n.Decode(&b); err != nil {
		return false, errAt(n, path, "invalid boolean: %v", err)
	}
	return b, nil
}

func scalarInt(n *yaml.Node, path string) (int64, error) {
	if n.Kind != yaml.ScalarNode || n.Tag != "!!int" {
		return 0, errAt(n, path, "expected an integer, got %s", kindName(n))
	}
	var i int64
	if err := n.Decode(&i); err != nil {
		return 0, errAt(n, path, "invalid integer: %v", err)
	}
	return i, nil
}

func scalarFloat(n *yaml.Node, path string) (float64, error) {
	if n.Kind != yaml.ScalarNode || (n.Tag != "!!int" && n.Tag != "!!float") {
		return 0, errAt(n, path, "expected a number, got %s", kindName(n))
	}
	var f float64
	if err := n.Decode(&f); err != nil {
		return 0, errAt(n, path, "invalid number: %v", err)
	}
	return f, nil
}

// scalarValue decodes a scalar into a cell value.
func scalarValue(n *yaml.Node, path string) (any, error) {
	if n.Kind != yaml.ScalarNode {
		return nil, errAt(n, path, "expected a scalar, got %s", kindName(n))
	}
	switch n.Tag {
	case "!!null":
		return nil, nil
	case "!!bool":
		return scalarBool(n, path)
	case "!!int":
		return scalarInt(n, path)
	case "!!float":
		return scalarFloat(n, path)
	default:
		return n.Value, nil
	}
}

// plainValue decodes an arbitrary node into plain Go values for option bags.
func plainValue(n *yaml.Node, path string) (any, error) {
	switch n.Kind {
	case yaml.ScalarNode:
		return scalarValue(n, path)
	case yaml.SequenceNode:
		out := make([]any, 0, len(n.Content))
		for i, c := range n.Content {
			v, err := plainValue(c, path+"["+strconv.Itoa(i)+"]")
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case yaml.MappingNode:
		m, err := asMapping(n, path)
		if err != nil {
			return nil, err
		}
		out := make(map[string]any, len(m.keys))
		for _, k := range m.keys {
			v, err := plainValue(m.values[k.Value], m.child(k.Value))
			if err != nil {
				return nil, err
			}
			out[k.Value] = v
		}
		return out, nil
	}
	return nil, errAt(n, path, "unsupported %s", kindName(n))
}
