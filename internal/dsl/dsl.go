// Package dsl compiles pipeline and checks documents (YAML or JSON) into the
// typed configuration model.
//
// Compilation is a pure function of the document bytes. Size and nesting
// limits are enforced before any semantic interpretation, unknown keys are
// rejected, and every failure is an errs.Error with the dotted path and
// source line/column of the offending node.
package dsl

import (
	"bytes"
	"fmt"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/takurot/mlprep/internal/config"
	"github.com/takurot/mlprep/internal/errs"
)

// Limits bounds the documents the compiler accepts. Zero fields take the
// defaults.
type Limits struct {
	// MaxBytes is the maximum document size.
	MaxBytes int
	// MaxDepth is the maximum nesting depth of mappings and lists.
	MaxDepth int
	// MaxSteps is the maximum number of pipeline steps.
	MaxSteps int
	// MaxRegexLen is the maximum length of a regex pattern.
	MaxRegexLen int
}

// Default limits.
const (
	DefaultMaxBytes    = 1 << 20
	DefaultMaxDepth    = 32
	DefaultMaxSteps    = 256
	DefaultMaxRegexLen = 1024
)

// DefaultLimits returns the default compiler limits.
func DefaultLimits() Limits {
	return Limits{
		MaxBytes:    DefaultMaxBytes,
		MaxDepth:    DefaultMaxDepth,
		MaxSteps:    DefaultMaxSteps,
		MaxRegexLen: DefaultMaxRegexLen,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxBytes <= 0 {
		l.MaxBytes = d.MaxBytes
	}
	if l.MaxDepth <= 0 {
		l.MaxDepth = d.MaxDepth
	}
	if l.MaxSteps <= 0 {
		l.MaxSteps = d.MaxSteps
	}
	if l.MaxRegexLen <= 0 {
		l.MaxRegexLen = d.MaxRegexLen
	}
	return l
}

// Compile compiles a pipeline document.
func Compile(doc []byte, limits Limits) (*config.PipelineSpec, error) {
	limits = limits.withDefaults()
	root, err := parseDocument(doc, limits)
	if err != nil {
		return nil, err
	}
	c := &compiler{limits: limits}
	spec, err := c.pipeline(root)
	if err != nil {
		return nil, err
	}
	if err := trackSchema(spec); err != nil {
		return nil, err
	}
	return spec, nil
}

// CompileChecks compiles a standalone checks document.
func CompileChecks(doc []byte, limits Limits) (config.CheckSet, error) {
	limits = limits.withDefaults()
	root, err := parseDocument(doc, limits)
	if err != nil {
		return config.CheckSet{}, err
	}
	c := &compiler{limits: limits}
	return c.checkSet(root, "")
}

// parseDocument enforces the size limit, parses doc into a node tree and
// enforces the depth limit. It returns the root content node.
func parseDocument(doc []byte, limits Limits) (*yaml.Node, error) {
	if len(doc) > limits.MaxBytes {
		return nil, errs.Configf("document is %s, larger than the %s limit",
			humanize.IBytes(uint64(len(doc))), humanize.IBytes(uint64(limits.MaxBytes)))
	}
	if len(bytes.TrimSpace(doc)) == 0 {
		return nil, errs.Configf("empty document")
	}

	var root yaml.Node
	if err := yaml.Unmarshal(doc, &root); err != nil {
		return nil, errs.Configf("parse document").Wrap(err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, errs.Configf("empty document")
	}
	if err := checkDepth(root.Content[0], limits.MaxDepth); err != nil {
		return nil, err
	}
	return root.Content[0], nil
}

// checkDepth walks the tree iteratively and rejects documents nested deeper
// than max, as well as any alias reference.
func checkDepth(root *yaml.Node, max int) error {
	type item struct {
		n     *yaml.Node
		depth int
	}
	stack := []item{{root, 1}}
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if it.n.Kind == yaml.AliasNode {
			return errAt(it.n, "", "aliases are not allowed")
		}
		if it.n.Kind != yaml.MappingNode && it.n.Kind != yaml.SequenceNode {
			continue
		}
		if it.depth > max {
			return errAt(it.n, "", "document nested deeper than %d levels", max)
		}
		for _, c := range it.n.Content {
			stack = append(stack, item{c, it.depth + 1})
		}
	}
	return nil
}

type compiler struct {
	limits Limits
}

func (c *compiler) pipeline(root *yaml.Node) (*config.PipelineSpec, error) {
	m, err := asMapping(root, "")
	if err != nil {
		return nil, err
	}
	spec := &config.PipelineSpec{Runtime: config.DefaultRuntime()}

	// Runtime first: the regex budget is attached to filter predicates.
	if v, ok := m.get("runtime"); ok {
		if spec.Runtime, err = c.runtime(v, "runtime"); err != nil {
			return nil, err
		}
	}

	inputs, err := m.required("inputs")
	if err != nil {
		return nil, err
	}
	if inputs.Kind != yaml.SequenceNode || len(inputs.Content) == 0 {
		return nil, errAt(inputs, "inputs", "inputs must be a non-empty list")
	}
	names := map[string]int{}
	for i, n := range inputs.Content {
		path := fmt.Sprintf("inputs[%d]", i)
		in, err := c.input(n, path)
		if err != nil {
			return nil, err
		}
		if j, dup := names[in.Name]; dup {
			return nil, errAt(n, path+".name", "duplicate input name %q (also inputs[%d])", in.Name, j)
		}
		names[in.Name] = i
		spec.Inputs = append(spec.Inputs, in)
	}

	if v, ok := m.get("steps"); ok {
		if v.Kind != yaml.SequenceNode {
			return nil, errAt(v, "steps", "steps must be a list, got %s", kindName(v))
		}
		if len(v.Content) > c.limits.MaxSteps {
			return nil, errAt(v, "steps", "%d steps exceed the limit of %d", len(v.Content), c.limits.MaxSteps)
		}
		for i, n := range v.Content {
			step, err := c.step(spec, n, i)
			if err != nil {
				return nil, err
			}
			spec.Steps = append(spec.Steps, step)
		}
	}

	if v, ok := m.get("outputs"); ok {
		if v.Kind != yaml.SequenceNode {
			return nil, errAt(v, "outputs", "outputs must be a list, got %s", kindName(v))
		}
		for i, n := range v.Content {
			out, err := c.output(n, fmt.Sprintf("outputs[%d]", i))
			if err != nil {
				return nil, err
			}
			spec.Outputs = append(spec.Outputs, out)
		}
	}

	if v, ok := m.get("quarantine"); ok {
		q, err := c.output(v, "quarantine")
		if err != nil {
			return nil, err
		}
		spec.Quarantine = &q
	}

	if v, ok := m.get("lineage"); ok {
		l, err := c.lineage(v, "lineage")
		if err != nil {
			return nil, err
		}
		spec.Lineage = l
	}

	if err := m.finish(); err != nil {
		return nil, err
	}
	return spec, nil
}
