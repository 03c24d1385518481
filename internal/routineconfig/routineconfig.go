// Package routineconfig reads and writes .asserted/routine.json.
package routineconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/assertedio/asrtd/pkg/client"
)

// FileName is the routine config file inside the routine directory.
const FileName = "routine.json"

// ErrNotFound is returned when the routine directory has no config.
var ErrNotFound = errors.New("no routine config found in .asserted/")

// Routine is the local routine configuration.
type Routine struct {
	ID           string          `json:"id"`
	ProjectID    string          `json:"projectId"`
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Dependencies string          `json:"dependencies"`
	Interval     client.Interval `json:"interval"`
	Mocha        client.Mocha    `json:"mocha"`
	TimeoutSec   int             `json:"timeoutSec,omitempty"`
}

// Default returns a routine with every optional field populated.
func Default() Routine {
	return Routine{
		Dependencies: client.DependenciesV1,
		Interval:     client.Interval{Unit: "min", Value: 5},
		Mocha: client.Mocha{
			Files:  []string{"**/*.asrtd.js"},
			Ignore: []string{},
			UI:     "bdd",
		},
	}
}

// Path returns the config path inside dir.
func Path(dir string) string {
	return filepath.Join(dir, FileName)
}

// Read loads the routine config from dir, filling defaults for missing
// fields. A missing file yields ErrNotFound.
func Read(dir string) (*Routine, error) {
	data, err := os.ReadFile(Path(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read %s: %w", FileName, err)
	}

	r := Default()
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("could not parse %s: %w", FileName, err)
	}
	if r.Mocha.Ignore == nil {
		r.Mocha.Ignore = []string{}
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", FileName, err)
	}
	return &r, nil
}

// Write stores r in dir, creating dir when needed.
func Write(dir string, r Routine) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(Path(dir), append(data, '\n'), 0o644)
}

// Validate checks the fields the API rejects.
func (r Routine) Validate() error {
	switch r.Interval.Unit {
	case "min", "hr", "day":
	default:
		return fmt.Errorf("interval.unit must be one of: min, hr, day")
	}
	if r.Interval.Value <= 0 {
		return fmt.Errorf("interval.value must be positive")
	}
	if len(r.Mocha.Files) == 0 {
		return fmt.Errorf("mocha.files must not be empty")
	}
	if r.Dependencies == "" {
		return fmt.Errorf("dependencies must be set")
	}
	if r.TimeoutSec < 0 {
		return fmt.Errorf("timeoutSec must not be negative")
	}
	return nil
}

// IsCustom reports whether the routine builds its own dependencies.
func (r Routine) IsCustom() bool {
	return r.Dependencies == client.DependenciesCustom
}

// MochaOverrides replaces mocha options for a single run. Nil fields keep
// the configured value.
type MochaOverrides struct {
	Files  []string
	Ignore []string
	Bail   *bool
}

// WithMocha returns a copy of r with o applied.
func (r Routine) WithMocha(o MochaOverrides) Routine {
	if len(o.Files) > 0 {
		r.Mocha.Files = o.Files
	}
	if len(o.Ignore) > 0 {
		r.Mocha.Ignore = o.Ignore
	}
	if o.Bail != nil {
		r.Mocha.Bail = *o.Bail
	}
	return r
}
