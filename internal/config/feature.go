package config

// FeatureKind names a feature transform.
type FeatureKind string

const (
	FeatureMinMax    FeatureKind = "minmax"
	FeatureStandard  FeatureKind = "standard"
	FeatureOneHot    FeatureKind = "onehot"
	FeatureCount     FeatureKind = "count"
	FeatureFrequency FeatureKind = "frequency"
	FeatureHashing   FeatureKind = "hashing"
)

// FeatureKinds lists every kind in a stable order.
var FeatureKinds = []FeatureKind{
	FeatureMinMax, FeatureStandard, FeatureOneHot, FeatureCount, FeatureFrequency, FeatureHashing,
}

// ParseFeatureKind resolves a transform name.
func ParseFeatureKind(s string) (FeatureKind, bool) {
	switch s {
	case "minmax", "min_max", "minmax_scale":
		return FeatureMinMax, true
	case "standard", "standard_scale", "zscore":
		return FeatureStandard, true
	case "onehot", "one_hot":
		return FeatureOneHot, true
	case "count", "count_encode":
		return FeatureCount, true
	case "frequency", "frequency_encode":
		return FeatureFrequency, true
	case "hashing", "hash":
		return FeatureHashing, true
	}
	return "", false
}

// IsCategorical reports whether the kind fits a category vocabulary.
func (k FeatureKind) IsCategorical() bool {
	return k == FeatureOneHot || k == FeatureCount || k == FeatureFrequency
}

// FeatureParams are the per-feature parameters. Zero values mean "use the
// default".
type FeatureParams struct {
	// Buckets is the bucket count for hashing.
	Buckets int `json:"buckets,omitempty"`
	// MaxCategories caps the fitted vocabulary; categories beyond the cap
	// collapse into the other bucket.
	MaxCategories int `json:"max_categories,omitempty"`
	// ReserveOther reserves an "other" bucket for overflow and unseen
	// categories.
	ReserveOther bool `json:"reserve_other,omitempty"`
	// KeepOriginal keeps the source column next to onehot outputs.
	KeepOriginal bool `json:"keep_original,omitempty"`
}

// FeatureDef is one (column, transform, parameters) entry.
type FeatureDef struct {
	Column string        `json:"column"`
	Kind   FeatureKind   `json:"transform"`
	Alias  string        `json:"alias,omitempty"`
	Params FeatureParams `json:"params"`
}

// Key identifies the def in a FeatureState: "<column>|<kind>".
func (d FeatureDef) Key() string { return d.Column + "|" + string(d.Kind) }

// OutputName is the alias or the source column.
func (d FeatureDef) OutputName() string {
	if d.Alias != "" {
		return d.Alias
	}
	return d.Column
}

// FeatureSpec is the ordered feature list of a features step.
type FeatureSpec struct {
	Features []FeatureDef `json:"features"`
}
