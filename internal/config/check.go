package config

// CheckKind names a row-level check.
type CheckKind string

const (
	CheckNotNull CheckKind = "not_null"
	CheckUnique  CheckKind = "unique"
	CheckRange   CheckKind = "range"
	CheckRegex   CheckKind = "regex"
	CheckEnum    CheckKind = "enum"
)

// Check is a row-level data-quality rule bound to one column. The set of
// implementations is closed; consumers dispatch through CheckVisitor.
type Check interface {
	// Target is the column the check is bound to.
	Target() string
	Kind() CheckKind
	Accept(CheckVisitor) error
	isCheck()
}

// CheckVisitor has one method per Check variant.
type CheckVisitor interface {
	VisitNotNull(*NotNull) error
	VisitUnique(*Unique) error
	VisitRange(*Range) error
	VisitRegex(*Regex) error
	VisitEnum(*Enum) error
}

// RuleID is the stable identifier of c: "<column>:<kind>".
func RuleID(c Check) string { return c.Target() + ":" + string(c.Kind()) }

// NotNull fails rows whose value is null.
type NotNull struct {
	Column string `json:"column"`
}

// Unique fails every row whose non-null value occurs more than once.
type Unique struct {
	Column string `json:"column"`
}

// Range fails rows whose value lies outside [Min, Max] or is not numeric.
// Either bound may be nil. Nulls pass.
type Range struct {
	Column string   `json:"column"`
	Min    *float64 `json:"min,omitempty"`
	Max    *float64 `json:"max,omitempty"`
}

// Regex fails rows whose string form does not match Pattern. Nulls pass.
type Regex struct {
	Column  string `json:"column"`
	Pattern string `json:"pattern"`
}

// Enum fails rows whose string form is not in Values. Nulls pass.
type Enum struct {
	Column string   `json:"column"`
	Values []string `json:"values"`
}

func (*NotNull) isCheck() {}
func (*Unique) isCheck()  {}
func (*Range) isCheck()   {}
func (*Regex) isCheck()   {}
func (*Enum) isCheck()    {}

func (c *NotNull) Target() string { return c.Column }
func (c *Unique) Target() string  { return c.Column }
func (c *Range) Target() string   { return c.Column }
func (c *Regex) Target() string   { return c.Column }
func (c *Enum) Target() string    { return c.Column }

func (*NotNull) Kind() CheckKind { return CheckNotNull }
func (*Unique) Kind() CheckKind  { return CheckUnique }
func (*Range) Kind() CheckKind   { return CheckRange }
func (*Regex) Kind() CheckKind   { return CheckRegex }
func (*Enum) Kind() CheckKind    { return CheckEnum }

func (c *NotNull) Accept(v CheckVisitor) error { return v.VisitNotNull(c) }
func (c *Unique) Accept(v CheckVisitor) error  { return v.VisitUnique(c) }
func (c *Range) Accept(v CheckVisitor) error   { return v.VisitRange(c) }
func (c *Regex) Accept(v CheckVisitor) error   { return v.VisitRegex(c) }
func (c *Enum) Accept(v CheckVisitor) error    { return v.VisitEnum(c) }

// MissingRate bounds the null fraction of one column.
type MissingRate struct {
	Column string  `json:"column"`
	Max    float64 `json:"max"`
}

// DatasetChecks are evaluated against aggregate statistics of the whole
// input. Nil bounds are not checked.
type DatasetChecks struct {
	RowCountMin      *int64        `json:"row_count_min,omitempty"`
	RowCountMax      *int64        `json:"row_count_max,omitempty"`
	DuplicateRateMax *float64      `json:"duplicate_rate_max,omitempty"`
	MissingRateMax   []MissingRate `json:"missing_rate_max,omitempty"`
}

// Empty reports whether no dataset check is configured.
func (d DatasetChecks) Empty() bool {
	return d.RowCountMin == nil && d.RowCountMax == nil && d.DuplicateRateMax == nil && len(d.MissingRateMax) == 0
}

// CheckSet is a compiled checks document. Columns keeps declaration order,
// which is also the order rule ids appear in quarantine annotations.
type CheckSet struct {
	Columns []Check       `json:"columns"`
	Dataset DatasetChecks `json:"dataset"`
}

// Empty reports whether the set contains no checks at all.
func (c CheckSet) Empty() bool { return len(c.Columns) == 0 && c.Dataset.Empty() }

// Targets returns the distinct columns referenced by the set in declaration
// order.
func (c CheckSet) Targets() []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(col string) {
		if _, ok := seen[col]; !ok {
			seen[col] = struct{}{}
			out = append(out, col)
		}
	}
	for _, ch := range c.Columns {
		add(ch.Target())
	}
	for _, m := range c.Dataset.MissingRateMax {
		add(m.Column)
	}
	return out
}
