// Package features fits feature statistics on one frame and replays them on
// others.
//
// Fit evaluates one fused aggregate over the input and turns the result into
// a State keyed by "<column>|<transform>". Transform only composes lazy
// expressions from a State; it never aggregates. A State carries the
// fingerprint of the FeatureSpec it was fitted for, and Transform refuses a
// State whose fingerprint differs from the active spec.
package features

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"
	"github.com/zeebo/xxh3"

	"github.com/takurot/mlprep/internal/config"
	"github.com/takurot/mlprep/internal/errs"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// FormatVersion is the version of the persisted state layout.
const FormatVersion = 1

// Params are the fitted parameters of one feature. Only the fields of the
// feature's transform are set.
type Params struct {
	Min  *float64 `json:"min,omitempty"`
	Max  *float64 `json:"max,omitempty"`
	Mean *float64 `json:"mean,omitempty"`
	Std  *float64 `json:"std,omitempty"`

	// Categories is the onehot vocabulary in output column order.
	Categories []string `json:"categories,omitempty"`
	// Counts maps each kept category to its fitted row count.
	Counts map[string]int64 `json:"counts,omitempty"`
	// Total is the number of non-null values seen during fit.
	Total int64 `json:"total,omitempty"`
	// Other is set when an other bucket exists, either reserved or because
	// the cap cut the vocabulary. It holds the number of fitted rows whose
	// category fell beyond the cap.
	Other *int64 `json:"other,omitempty"`
	// Overflow lists the categories cut by the cap when no bucket is
	// reserved. They map to the other bucket; categories outside both
	// lists were never seen during fit.
	Overflow []string `json:"overflow,omitempty"`

	Buckets int `json:"buckets,omitempty"`
}

// State is the result of one fit. It is not modified after Fit returns.
type State struct {
	FormatVersion int               `json:"format_version"`
	Fingerprint   string            `json:"spec_fingerprint"`
	Features      map[string]Params `json:"features"`
}

// Params returns the parameters fitted for def.
func (s *State) Params(def config.FeatureDef) (Params, bool) {
	p, ok := s.Features[def.Key()]
	return p, ok
}

// Fingerprint hashes the canonical encoding of spec. Any change to a
// column, transform, alias or parameter changes it.
func Fingerprint(spec config.FeatureSpec) string {
	b, err := json.Marshal(spec.Features)
	if err != nil {
		// FeatureDef holds only strings, ints and bools.
		panic(fmt.Sprintf("features: encode spec: %v", err))
	}
	return fmt.Sprintf("%016x", xxh3.Hash(b))
}

// WriteState encodes s as indented JSON.
func WriteState(w io.Writer, s *State) error {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode feature state: %w", err)
	}
	if _, err := w.Write(append(b, '\n')); err != nil {
		return errs.IOf(err, "write feature state")
	}
	return nil
}

// ReadState decodes a state and checks its format version.
func ReadState(r io.Reader) (*State, error) {
	var s State
	if err := json.NewDecoder(r).Decode(&s); err != nil {
		return nil, errs.FeatureStatef("malformed feature state").Wrap(err)
	}
	if s.FormatVersion != FormatVersion {
		return nil, errs.FeatureStatef("unsupported feature state format_version %d", s.FormatVersion).
			WithExpected(fmt.Sprint(FormatVersion), fmt.Sprint(s.FormatVersion))
	}
	if s.Fingerprint == "" {
		return nil, errs.FeatureStatef("feature state has no spec_fingerprint")
	}
	if s.Features == nil {
		s.Features = map[string]Params{}
	}
	return &s, nil
}

// Save writes s to path. The file is replaced atomically.
func Save(path string, s *State) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return errs.IOf(err, "save feature state %s", path)
	}
	defer os.Remove(tmp.Name())
	if err := WriteState(tmp, s); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return errs.IOf(err, "save feature state %s", path)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errs.IOf(err, "save feature state %s", path)
	}
	return nil
}

// Load reads a state written by Save.
func Load(path string) (*State, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.IOf(err, "load feature state %s", path)
	}
	defer f.Close()
	s, err := ReadState(f)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return s, nil
}
