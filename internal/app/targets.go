package app

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Target is one desired position dropped by the upstream optimizer.
type Target struct {
	Instrument string  `yaml:"instrument"`
	Strategy   string  `yaml:"strategy"`
	Position   float64 `yaml:"position"`
}

type targetsFile struct {
	Targets []Target `yaml:"targets"`
}

// LoadTargets reads and validates the targets file. Unknown fields and
// duplicate (instrument, strategy) scopes are rejected; an empty file means
// no targets.
func LoadTargets(path string) ([]Target, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc targetsFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	seen := make(map[string]struct{}, len(doc.Targets))
	out := make([]Target, 0, len(doc.Targets))
	for i, t := range doc.Targets {
		t.Instrument = strings.ToUpper(strings.TrimSpace(t.Instrument))
		t.Strategy = strings.TrimSpace(t.Strategy)
		if t.Instrument == "" || t.Strategy == "" {
			return nil, fmt.Errorf("target %d: instrument and strategy are required", i)
		}
		key := t.Instrument + "|" + t.Strategy
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("duplicate target for %s/%s", t.Instrument, t.Strategy)
		}
		seen[key] = struct{}{}
		out = append(out, t)
	}
	return out, nil
}
