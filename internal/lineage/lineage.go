// Package lineage records what a pipeline run read, did and wrote.
//
// One Entry is appended per run, successful or not, to a JSON lines file or
// an SQLite table. Inputs and outputs are identified by path, size and an
// xxh3 content hash, so a later run can tell whether its inputs changed.
package lineage

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/zeebo/xxh3"

	"github.com/takurot/mlprep/internal/config"
	"github.com/takurot/mlprep/internal/errs"
	"github.com/takurot/mlprep/internal/validate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// HashAlgorithm names the content hash recorded for files.
const HashAlgorithm = "xxh3-64"

// Run statuses.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// File identifies one input or output. Hash and Size are empty for database
// outputs.
type File struct {
	Path string `json:"path"`
	Hash string `json:"hash,omitempty"`
	Size int64  `json:"size,omitempty"`
	Rows int64  `json:"rows,omitempty"`
}

// Step records one executed step.
type Step struct {
	Index  int                 `json:"index"`
	Kind   config.StepKind     `json:"kind"`
	Params jsoniter.RawMessage `json:"params"`
}

// Entry is the lineage record of one run.
type Entry struct {
	RunID         string            `json:"run_id"`
	StartedAt     time.Time         `json:"started_at"`
	FinishedAt    time.Time         `json:"finished_at"`
	Status        string            `json:"status"`
	Error         string            `json:"error,omitempty"`
	HashAlgorithm string            `json:"hash_algorithm"`
	Pipeline      string            `json:"pipeline,omitempty"`
	Inputs        []File            `json:"inputs"`
	Steps         []Step            `json:"steps"`
	Outputs       []File            `json:"outputs"`
	DurationsMS   map[string]int64  `json:"durations_ms"`
	Validation    []validate.Report `json:"validation,omitempty"`
	FeatureStates []string          `json:"feature_states,omitempty"`
}

// NewEntry starts the entry of a run beginning at now with a fresh run id.
func NewEntry(now time.Time) *Entry {
	return &Entry{
		RunID:         uuid.NewString(),
		StartedAt:     now.UTC(),
		HashAlgorithm: HashAlgorithm,
		DurationsMS:   map[string]int64{},
	}
}

// AddSteps records steps with their compiled parameters.
func (e *Entry) AddSteps(steps []config.Step) error {
	for i, s := range steps {
		b, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("lineage: encode step %d: %w", i, err)
		}
		e.Steps = append(e.Steps, Step{Index: i, Kind: s.Kind(), Params: b})
	}
	return nil
}

// Observe adds d to the duration recorded under name.
func (e *Entry) Observe(name string, d time.Duration) {
	e.DurationsMS[name] += d.Milliseconds()
}

// Finish stamps the end of the run. A nil err marks it succeeded.
func (e *Entry) Finish(now time.Time, err error) {
	e.FinishedAt = now.UTC()
	e.Status = StatusSucceeded
	if err != nil {
		e.Status = StatusFailed
		e.Error = err.Error()
	}
}

// Durations returns the recorded duration names, sorted.
func (e *Entry) Durations() []string {
	out := make([]string, 0, len(e.DurationsMS))
	for k := range e.DurationsMS {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Stat hashes the file at path.
func Stat(path string) (File, error) {
	f, err := os.Open(path)
	if err != nil {
		return File{Path: path}, errs.IOf(err, "hash %s", path)
	}
	defer f.Close()
	h := xxh3.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return File{Path: path}, errs.IOf(err, "hash %s", path)
	}
	return File{Path: path, Hash: fmt.Sprintf("%016x", h.Sum64()), Size: n}, nil
}
