package dsl

import (
	"fmt"

	"github.com/grafana/regexp"
	"gopkg.in/yaml.v3"

	"github.com/takurot/mlprep/internal/config"
	"github.com/takurot/mlprep/internal/types"
)

// checkSet compiles a checks document:
//
//	columns:
//	  - name: age
//	    range: [0, 120]
//	  - name: email
//	    not_null: true
//	    regex: "^[^@]+@"
//	dataset:
//	  row_count_min: 1
//	  missing_rate_max: { email: 0.1 }
//
// Rules of one column entry keep their key order.
func (c *compiler) checkSet(n *yaml.Node, path string) (config.CheckSet, error) {
	var set config.CheckSet
	m, err := asMapping(n, path)
	if err != nil {
		return set, err
	}
	if cols, ok := m.get("columns"); ok {
		if cols.Kind != yaml.SequenceNode {
			return set, errAt(cols, m.child("columns"), "columns must be a list, got %s", kindName(cols))
		}
		for i, item := range cols.Content {
			checks, err := c.columnChecks(item, fmt.Sprintf("%s[%d]", m.child("columns"), i))
			if err != nil {
				return set, err
			}
			set.Columns = append(set.Columns, checks...)
		}
	}
	if ds, ok := m.get("dataset"); ok {
		if set.Dataset, err = datasetChecks(ds, m.child("dataset")); err != nil {
			return set, err
		}
	}
	seen := map[string]struct{}{}
	for _, ch := range set.Columns {
		id := config.RuleID(ch)
		if _, dup := seen[id]; dup {
			return set, errAt(n, m.child("columns"), "rule %s declared twice", id)
		}
		seen[id] = struct{}{}
	}
	return set, m.finish()
}

func (c *compiler) columnChecks(n *yaml.Node, path string) ([]config.Check, error) {
	m, err := asMapping(n, path)
	if err != nil {
		return nil, err
	}
	col, err := m.str("name", true)
	if err != nil {
		return nil, err
	}
	var out []config.Check
	for _, k := range m.keys {
		key := k.Value
		if key == "name" {
			continue
		}
		v, ok := m.get(key)
		if !ok {
			continue
		}
		kp := m.child(key)
		switch key {
		case "not_null", "unique":
			on, err := scalarBool(v, kp)
			if err != nil {
				return nil, err
			}
			if !on {
				continue
			}
			if key == "not_null" {
				out = append(out, &config.NotNull{Column: col})
			} else {
				out = append(out, &config.Unique{Column: col})
			}
		case "range":
			r, err := rangeCheck(v, kp, col)
			if err != nil {
				return nil, err
			}
			out = append(out, r)
		case "regex":
			pattern, err := scalarString(v, kp)
			if err != nil {
				return nil, err
			}
			if len(pattern) > c.limits.MaxRegexLen {
				return nil, errAt(v, kp, "pattern is %d bytes, longer than the %d byte limit", len(pattern), c.limits.MaxRegexLen)
			}
			if _, err := regexp.Compile(pattern); err != nil {
				return nil, errAt(v, kp, "invalid regex").Wrap(err)
			}
			out = append(out, &config.Regex{Column: col, Pattern: pattern})
		case "enum":
			if v.Kind != yaml.SequenceNode || len(v.Content) == 0 {
				return nil, errAt(v, kp, "enum requires a non-empty list of values")
			}
			values := make([]string, 0, len(v.Content))
			for i, e := range v.Content {
				val, err := scalarValue(e, fmt.Sprintf("%s[%d]", kp, i))
				if err != nil {
					return nil, err
				}
				if val == nil {
					return nil, errAt(e, fmt.Sprintf("%s[%d]", kp, i), "enum values cannot be null")
				}
				values = append(values, types.ToString(val))
			}
			out = append(out, &config.Enum{Column: col, Values: values})
		default:
			// Reported by finish.
			m.used[key] = false
		}
	}
	return out, m.finish()
}

// rangeCheck accepts [min, max] (either may be null) or {min, max}.
func rangeCheck(n *yaml.Node, path, col string) (*config.Range, error) {
	r := &config.Range{Column: col}
	switch n.Kind {
	case yaml.SequenceNode:
		if len(n.Content) != 2 {
			return nil, errAt(n, path, "range expects [min, max], got %d values", len(n.Content))
		}
		for i, dst := range []**float64{&r.Min, &r.Max} {
			b := n.Content[i]
			if isNull(b) {
				continue
			}
			f, err := scalarFloat(b, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			*dst = &f
		}
	case yaml.MappingNode:
		m, err := asMapping(n, path)
		if err != nil {
			return nil, err
		}
		if r.Min, err = m.number("min"); err != nil {
			return nil, err
		}
		if r.Max, err = m.number("max"); err != nil {
			return nil, err
		}
		if err := m.finish(); err != nil {
			return nil, err
		}
	default:
		return nil, errAt(n, path, "range expects [min, max] or {min, max}, got %s", kindName(n))
	}
	if r.Min == nil && r.Max == nil {
		return nil, errAt(n, path, "range requires at least one bound")
	}
	if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
		return nil, errAt(n, path, "range min %g is greater than max %g", *r.Min, *r.Max)
	}
	return r, nil
}

func datasetChecks(n *yaml.Node, path string) (config.DatasetChecks, error) {
	var d config.DatasetChecks
	m, err := asMapping(n, path)
	if err != nil {
		return d, err
	}
	for _, f := range []struct {
		key string
		dst **int64
	}{{"row_count_min", &d.RowCountMin}, {"row_count_max", &d.RowCountMax}} {
		v, ok := m.get(f.key)
		if !ok {
			continue
		}
		i, err := scalarInt(v, m.child(f.key))
		if err != nil {
			return d, err
		}
		if i < 0 {
			return d, errAt(v, m.child(f.key), "%s must be >= 0", f.key)
		}
		*f.dst = &i
	}
	if d.RowCountMin != nil && d.RowCountMax != nil && *d.RowCountMin > *d.RowCountMax {
		return d, errAt(n, path, "row_count_min %d is greater than row_count_max %d", *d.RowCountMin, *d.RowCountMax)
	}
	if d.DuplicateRateMax, err = m.number("duplicate_rate_max"); err != nil {
		return d, err
	}
	if d.DuplicateRateMax != nil {
		if err := checkRate(m.values["duplicate_rate_max"], m.child("duplicate_rate_max"), *d.DuplicateRateMax); err != nil {
			return d, err
		}
	}
	if v, ok := m.get("missing_rate_max"); ok {
		mm, err := asMapping(v, m.child("missing_rate_max"))
		if err != nil {
			return d, err
		}
		for _, k := range mm.keys {
			rn, _ := mm.get(k.Value)
			if rn == nil {
				return d, errAt(k, mm.child(k.Value), "missing rate must be a number")
			}
			rate, err := scalarFloat(rn, mm.child(k.Value))
			if err != nil {
				return d, err
			}
			if err := checkRate(rn, mm.child(k.Value), rate); err != nil {
				return d, err
			}
			d.MissingRateMax = append(d.MissingRateMax, config.MissingRate{Column: k.Value, Max: rate})
		}
	}
	return d, m.finish()
}

func checkRate(n *yaml.Node, path string, rate float64) error {
	if rate < 0 || rate > 1 {
		return errAt(n, path, "rate %g outside [0, 1]", rate)
	}
	return nil
}
