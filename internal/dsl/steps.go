package dsl

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/takurot/mlprep/internal/config"
	"github.com/takurot/mlprep/internal/errs"
	"github.com/takurot/mlprep/internal/expr"
	"github.com/takurot/mlprep/internal/types"
)

// stepKeys maps every accepted spelling of a step key onto its kind.
var stepKeys = map[string]config.StepKind{
	"select":    config.StepSelect,
	"filter":    config.StepFilter,
	"cast":      config.StepCast,
	"sort":      config.StepSort,
	"join":      config.StepJoin,
	"groupby":   config.StepGroupBy,
	"group_by":  config.StepGroupBy,
	"window":    config.StepWindow,
	"fillna":    config.StepFillNull,
	"fill_null": config.StepFillNull,
	"dropna":    config.StepDropNull,
	"drop_null": config.StepDropNull,
	"validate":  config.StepValidate,
	"features":  config.StepFeatures,
}

// step compiles steps[i]. Two spellings are accepted: a single-key mapping
// ({filter: {condition: ...}}) and the tagged form ({type: filter,
// condition: ...}).
func (c *compiler) step(spec *config.PipelineSpec, n *yaml.Node, i int) (config.Step, error) {
	path := fmt.Sprintf("steps[%d]", i)
	if n.Kind != yaml.MappingNode || len(n.Content) == 0 {
		return nil, errAt(n, path, "step must be a mapping naming one step kind").AtStep(i)
	}

	var (
		key  string
		body *yaml.Node
	)
	if tagged, err := asMapping(n, path); err == nil && tagged.has("type") {
		t, err := tagged.str("type", true)
		if err != nil {
			return nil, err
		}
		key = t
		// The remaining keys form the body.
		rest := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map", Line: n.Line, Column: n.Column}
		for j := 0; j+1 < len(n.Content); j += 2 {
			if n.Content[j].Value != "type" {
				rest.Content = append(rest.Content, n.Content[j], n.Content[j+1])
			}
		}
		body = rest
	} else {
		if len(n.Content) != 2 {
			return nil, errAt(n.Content[2], path+"."+n.Content[2].Value,
				"step must have exactly one key naming its kind, found extra key %q", n.Content[2].Value).AtStep(i)
		}
		key, body = n.Content[0].Value, n.Content[1]
	}

	kind, ok := stepKeys[key]
	if !ok {
		return nil, errAt(n.Content[0], path, "unknown step kind %q", key).AtStep(i)
	}
	path = stepPath(i, key)

	var (
		step config.Step
		err  error
	)
	switch kind {
	case config.StepSelect:
		step, err = c.selectStep(body, path)
	case config.StepFilter:
		step, err = c.filterStep(spec, body, path)
	case config.StepCast:
		step, err = c.castStep(body, path)
	case config.StepSort:
		step, err = c.sortStep(body, path)
	case config.StepJoin:
		step, err = c.joinStep(spec, body, path)
	case config.StepGroupBy:
		step, err = c.groupByStep(body, path)
	case config.StepWindow:
		step, err = c.windowStep(body, path)
	case config.StepFillNull:
		step, err = c.fillNullStep(body, path)
	case config.StepDropNull:
		step, err = c.dropNullStep(body, path)
	case config.StepValidate:
		step, err = c.validateStep(body, path)
	case config.StepFeatures:
		step, err = c.featuresStep(body, path)
	}
	if err != nil {
		var e *errs.Error
		if errors.As(err, &e) && e.Step < 0 {
			e.AtStep(i)
		}
		return nil, err
	}
	return step, nil
}

func (c *compiler) selectStep(n *yaml.Node, path string) (config.Step, error) {
	if n.Kind == yaml.SequenceNode {
		cols, err := stringList(n, path)
		if err != nil {
			return nil, err
		}
		return &config.Select{Columns: cols}, nil
	}
	m, err := asMapping(n, path)
	if err != nil {
		return nil, err
	}
	cols, err := m.strList("columns", true)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, errAt(n, m.child("columns"), "select requires at least one column")
	}
	return &config.Select{Columns: cols}, m.finish()
}

func (c *compiler) filterStep(spec *config.PipelineSpec, n *yaml.Node, path string) (config.Step, error) {
	condNode := n
	condPath := path
	var m *mapping
	if n.Kind != yaml.ScalarNode {
		var err error
		if m, err = asMapping(n, path); err != nil {
			return nil, err
		}
		if !m.has("condition") {
			// A misspelt key is the likelier mistake.
			if err := m.finish(); err != nil {
				return nil, err
			}
		}
		if condNode, err = m.required("condition"); err != nil {
			return nil, err
		}
		condPath = m.child("condition")
	}
	cond, err := scalarString(condNode, condPath)
	if err != nil {
		return nil, err
	}
	pred, err := expr.ParseCondition(cond, expr.ParseOptions{
		Budget:        spec.Runtime.RegexBudget(),
		MaxPatternLen: c.limits.MaxRegexLen,
	})
	if err != nil {
		return nil, errAt(condNode, condPath, "invalid condition %q", cond).Wrap(err)
	}
	if m != nil {
		if err := m.finish(); err != nil {
			return nil, err
		}
	}
	return &config.Filter{Condition: cond, Predicate: pred}, nil
}

func (c *compiler) castStep(n *yaml.Node, path string) (config.Step, error) {
	m, err := asMapping(n, path)
	if err != nil {
		return nil, err
	}
	colsNode, err := m.required("columns")
	if err != nil {
		return nil, err
	}
	cols, err := columnTypes(colsNode, m.child("columns"))
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, errAt(colsNode, m.child("columns"), "cast requires at least one column")
	}
	strict, err := m.boolean("strict", true)
	if err != nil {
		return nil, err
	}
	return &config.Cast{Columns: cols, Strict: strict}, m.finish()
}

func (c *compiler) sortStep(n *yaml.Node, path string) (config.Step, error) {
	m, err := asMapping(n, path)
	if err != nil {
		return nil, err
	}
	by, err := m.strList("by", true)
	if err != nil {
		return nil, err
	}
	s := &config.Sort{By: by}
	if v, ok := m.get("descending"); ok {
		switch v.Kind {
		case yaml.ScalarNode:
			d, err := scalarBool(v, m.child("descending"))
			if err != nil {
				return nil, err
			}
			s.Descending = make([]bool, len(by))
			for i := range s.Descending {
				s.Descending[i] = d
			}
		case yaml.SequenceNode:
			if len(v.Content) != len(by) {
				return nil, errAt(v, m.child("descending"), "descending has %d entries for %d sort keys", len(v.Content), len(by))
			}
			for i, d := range v.Content {
				b, err := scalarBool(d, fmt.Sprintf("%s[%d]", m.child("descending"), i))
				if err != nil {
					return nil, err
				}
				s.Descending = append(s.Descending, b)
			}
		default:
			return nil, errAt(v, m.child("descending"), "expected a boolean or list of booleans")
		}
	}
	return s, m.finish()
}

func (c *compiler) joinStep(spec *config.PipelineSpec, n *yaml.Node, path string) (config.Step, error) {
	m, err := asMapping(n, path)
	if err != nil {
		return nil, err
	}
	j := &config.Join{}
	if j.Right, err = m.str("right", false); err != nil {
		return nil, err
	}
	rightPath, err := m.str("right_path", false)
	if err != nil {
		return nil, err
	}
	switch {
	case j.Right != "" && rightPath != "":
		return nil, errAt(n, path, "join takes either right or right_path, not both")
	case rightPath != "":
		// An inline path declares an extra input named after the file.
		j.Right = config.StemOf(rightPath)
		if _, exists := spec.Input(j.Right); !exists {
			spec.Inputs = append(spec.Inputs, config.InputSpec{
				Name:   j.Right,
				Path:   rightPath,
				Format: config.FormatFromPath(rightPath),
			})
		}
	case j.Right == "":
		_, err := m.required("right")
		return nil, err
	default:
		if _, ok := spec.Input(j.Right); !ok {
			return nil, errAt(m.values["right"], m.child("right"), "unknown input %q", j.Right)
		}
	}

	how, err := m.str("how", false)
	if err != nil {
		return nil, err
	}
	var ok bool
	if j.How, ok = config.ParseJoinHow(how); !ok {
		return nil, errAt(m.values["how"], m.child("how"), "unknown join kind %q", how)
	}
	on, err := m.strList("on", false)
	if err != nil {
		return nil, err
	}
	if j.LeftOn, err = m.strList("left_on", false); err != nil {
		return nil, err
	}
	if j.RightOn, err = m.strList("right_on", false); err != nil {
		return nil, err
	}
	if on != nil {
		if j.LeftOn != nil || j.RightOn != nil {
			return nil, errAt(m.values["on"], m.child("on"), "on cannot be combined with left_on/right_on")
		}
		j.LeftOn, j.RightOn = on, on
	}
	if j.How == config.JoinCross {
		if len(j.LeftOn) > 0 {
			return nil, errAt(n, path, "cross join takes no key columns")
		}
	} else {
		if len(j.LeftOn) == 0 {
			return nil, errAt(n, m.child("on"), "join requires key columns (on or left_on/right_on)")
		}
		if len(j.LeftOn) != len(j.RightOn) {
			return nil, errAt(n, m.child("right_on"), "left_on has %d columns but right_on has %d", len(j.LeftOn), len(j.RightOn))
		}
	}
	if j.Suffix, err = m.str("suffix", false); err != nil {
		return nil, err
	}
	if j.Suffix == "" {
		j.Suffix = "_right"
	}
	return j, m.finish()
}

func (c *compiler) aggregations(n *yaml.Node, path string, window bool) ([]config.Aggregation, error) {
	if n.Kind != yaml.SequenceNode || len(n.Content) == 0 {
		return nil, errAt(n, path, "expected a non-empty list of aggregations")
	}
	var out []config.Aggregation
	for i, item := range n.Content {
		ip := fmt.Sprintf("%s[%d]", path, i)
		m, err := asMapping(item, ip)
		if err != nil {
			return nil, err
		}
		var a config.Aggregation
		if a.Column, err = m.str("column", false); err != nil {
			return nil, err
		}
		fn, err := m.str("func", true)
		if err != nil {
			return nil, err
		}
		var ok bool
		if a.Func, ok = types.ParseAggFunc(fn, window); !ok {
			return nil, errAt(m.values["func"], m.child("func"), "unknown aggregate function %q", fn)
		}
		if a.Column == "" {
			switch a.Func {
			case types.AggCount:
				a.Func = types.AggCountAll
			case types.AggRank, types.AggRowNumber:
			default:
				_, err := m.required("column")
				return nil, err
			}
		}
		if a.Alias, err = m.str("alias", false); err != nil {
			return nil, err
		}
		offset, err := m.integer("offset", 1)
		if err != nil {
			return nil, err
		}
		if a.Func == types.AggLag || a.Func == types.AggLead {
			if offset < 1 {
				return nil, errAt(m.values["offset"], m.child("offset"), "offset must be >= 1")
			}
			a.Offset = int(offset)
		} else if m.has("offset") {
			return nil, errAt(m.values["offset"], m.child("offset"), "offset only applies to lag and lead")
		}
		if err := m.finish(); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	seen := map[string]int{}
	for i, a := range out {
		if j, dup := seen[a.OutputName()]; dup {
			return nil, errAt(n.Content[i], fmt.Sprintf("%s[%d]", path, i), "output column %q also produced by %s[%d]", a.OutputName(), path, j)
		}
		seen[a.OutputName()] = i
	}
	return out, nil
}

func (c *compiler) groupByStep(n *yaml.Node, path string) (config.Step, error) {
	m, err := asMapping(n, path)
	if err != nil {
		return nil, err
	}
	by, err := m.strList("by", true)
	if err != nil {
		return nil, err
	}
	aggsNode, err := m.required("aggs")
	if err != nil {
		return nil, err
	}
	aggs, err := c.aggregations(aggsNode, m.child("aggs"), false)
	if err != nil {
		return nil, err
	}
	return &config.GroupBy{By: by, Aggs: aggs}, m.finish()
}

func (c *compiler) windowStep(n *yaml.Node, path string) (config.Step, error) {
	m, err := asMapping(n, path)
	if err != nil {
		return nil, err
	}
	w := &config.Window{}
	if w.PartitionBy, err = m.strList("partition_by", false); err != nil {
		return nil, err
	}
	if w.OrderBy, err = m.str("order_by", false); err != nil {
		return nil, err
	}
	opsNode, err := m.required("ops")
	if err != nil {
		return nil, err
	}
	if w.Ops, err = c.aggregations(opsNode, m.child("ops"), true); err != nil {
		return nil, err
	}
	return w, m.finish()
}

func (c *compiler) fillNullStep(n *yaml.Node, path string) (config.Step, error) {
	m, err := asMapping(n, path)
	if err != nil {
		return nil, err
	}
	f := &config.FillNull{}
	if f.Columns, err = m.strList("columns", false); err != nil {
		return nil, err
	}
	strategy, err := m.str("strategy", false)
	if err != nil {
		return nil, err
	}
	if v, ok := m.get("value"); ok {
		if f.Value, err = scalarValue(v, m.child("value")); err != nil {
			return nil, err
		}
	}
	if strategy == "" {
		if f.Value == nil {
			return nil, errAt(n, path, "fillna requires a strategy or a value")
		}
		strategy = string(config.FillLiteral)
	}
	var ok bool
	if f.Strategy, ok = config.ParseFillStrategy(strategy); !ok {
		return nil, errAt(m.values["strategy"], m.child("strategy"), "unknown fill strategy %q", strategy)
	}
	if f.Strategy == config.FillLiteral && f.Value == nil {
		return nil, errAt(n, m.child("value"), "literal fill requires a value")
	}
	if f.Strategy != config.FillLiteral && f.Value != nil {
		return nil, errAt(m.values["value"], m.child("value"), "value only applies to the literal strategy")
	}
	return f, m.finish()
}

func (c *compiler) dropNullStep(n *yaml.Node, path string) (config.Step, error) {
	if n.Kind == yaml.SequenceNode {
		cols, err := stringList(n, path)
		if err != nil {
			return nil, err
		}
		return &config.DropNull{Columns: cols}, nil
	}
	m, err := asMapping(n, path)
	if err != nil {
		return nil, err
	}
	cols, err := m.strList("columns", false)
	if err != nil {
		return nil, err
	}
	return &config.DropNull{Columns: cols}, m.finish()
}

func (c *compiler) validateStep(n *yaml.Node, path string) (config.Step, error) {
	m, err := asMapping(n, path)
	if err != nil {
		return nil, err
	}
	v := &config.Validate{}
	mode, err := m.str("mode", false)
	if err != nil {
		return nil, err
	}
	var ok bool
	if v.Mode, ok = config.ParseValidationMode(mode); !ok {
		return nil, errAt(m.values["mode"], m.child("mode"), "unknown validation mode %q (want strict, warn or quarantine)", mode)
	}
	if v.ChecksPath, err = m.str("checks_path", false); err != nil {
		return nil, err
	}
	if checks, ok := m.get("checks"); ok {
		if v.ChecksPath != "" {
			return nil, errAt(checks, m.child("checks"), "checks cannot be combined with checks_path")
		}
		if v.Checks, err = c.checkSet(checks, m.child("checks")); err != nil {
			return nil, err
		}
	}
	return v, m.finish()
}

func (c *compiler) featuresStep(n *yaml.Node, path string) (config.Step, error) {
	m, err := asMapping(n, path)
	if err != nil {
		return nil, err
	}
	f := &config.Features{}
	mode, err := m.str("mode", false)
	if err != nil {
		return nil, err
	}
	var ok bool
	if f.Mode, ok = config.ParseFeatureMode(mode); !ok {
		return nil, errAt(m.values["mode"], m.child("mode"), "unknown features mode %q (want fit, transform or auto)", mode)
	}
	if f.StatePath, err = m.str("state_path", true); err != nil {
		return nil, err
	}
	defsNode, err := m.required("features")
	if err != nil {
		return nil, err
	}
	if defsNode.Kind != yaml.SequenceNode || len(defsNode.Content) == 0 {
		return nil, errAt(defsNode, m.child("features"), "expected a non-empty list of features")
	}
	seen := map[string]int{}
	for i, item := range defsNode.Content {
		dp := fmt.Sprintf("%s[%d]", m.child("features"), i)
		def, err := c.featureDef(item, dp)
		if err != nil {
			return nil, err
		}
		if j, dup := seen[def.Key()]; dup {
			return nil, errAt(item, dp, "duplicate feature %s (also features[%d])", def.Key(), j)
		}
		seen[def.Key()] = i
		f.Spec.Features = append(f.Spec.Features, def)
	}
	return f, m.finish()
}

func (c *compiler) featureDef(n *yaml.Node, path string) (config.FeatureDef, error) {
	var d config.FeatureDef
	m, err := asMapping(n, path)
	if err != nil {
		return d, err
	}
	if d.Column, err = m.str("column", true); err != nil {
		return d, err
	}
	key, kn, ok := m.first("transform", "kind")
	if !ok {
		_, err := m.required("transform")
		return d, err
	}
	kind, err := scalarString(kn, m.child(key))
	if err != nil {
		return d, err
	}
	if d.Kind, ok = config.ParseFeatureKind(kind); !ok {
		return d, errAt(kn, m.child(key), "unknown transform %q", kind)
	}
	if d.Alias, err = m.str("alias", false); err != nil {
		return d, err
	}
	if pv, ok := m.get("params"); ok {
		if d.Params, err = featureParams(pv, m.child("params"), d.Kind); err != nil {
			return d, err
		}
	}
	if d.Kind == config.FeatureHashing && d.Params.Buckets <= 0 {
		return d, errAt(n, m.child("params.buckets"), "hashing requires buckets > 0")
	}
	if d.Kind == config.FeatureOneHot && d.Alias != "" {
		return d, errAt(m.values["alias"], m.child("alias"), "onehot outputs are named <column>_<category>; alias is not supported")
	}
	return d, m.finish()
}

func featureParams(n *yaml.Node, path string, kind config.FeatureKind) (config.FeatureParams, error) {
	var p config.FeatureParams
	m, err := asMapping(n, path)
	if err != nil {
		return p, err
	}
	if kind == config.FeatureHashing {
		b, err := m.integer("buckets", 0)
		if err != nil {
			return p, err
		}
		p.Buckets = int(b)
	}
	if kind.IsCategorical() {
		mc, err := m.integer("max_categories", 0)
		if err != nil {
			return p, err
		}
		if mc < 0 {
			return p, errAt(m.values["max_categories"], m.child("max_categories"), "max_categories must be >= 0")
		}
		p.MaxCategories = int(mc)
		if p.ReserveOther, err = m.boolean("reserve_other", false); err != nil {
			return p, err
		}
	}
	if kind == config.FeatureOneHot {
		if p.KeepOriginal, err = m.boolean("keep_original", false); err != nil {
			return p, err
		}
	}
	return p, m.finish()
}
