package migration

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tphakala/recordmigrate/internal/conf"
	"github.com/tphakala/recordmigrate/internal/datastore/entities"
	"github.com/tphakala/recordmigrate/internal/errors"
	"github.com/tphakala/recordmigrate/internal/source"
	"github.com/tphakala/recordmigrate/internal/transform"
)

// JobSpec is the operator's description of a migration job.
type JobSpec struct {
	EntityType       string                    `yaml:"entity_type" json:"entity_type"`
	LegacySystem     string                    `yaml:"legacy_system" json:"legacy_system"`
	Source           entities.SourceConfig     `yaml:"source" json:"source"`
	Mappings         []entities.FieldMapping   `yaml:"mappings" json:"mappings"`
	MergePolicy      entities.MergePolicy      `yaml:"merge_policy,omitempty" json:"merge_policy,omitempty"`
	ConflictStrategy entities.ConflictStrategy `yaml:"conflict_strategy,omitempty" json:"conflict_strategy,omitempty"`
	BatchSize        int                       `yaml:"batch_size,omitempty" json:"batch_size,omitempty"`
	Workers          int                       `yaml:"workers,omitempty" json:"workers,omitempty"`
	RateLimit        float64                   `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
	MaxRuntime       time.Duration             `yaml:"max_runtime,omitempty" json:"max_runtime,omitempty"`
}

// ParseJobSpec decodes a YAML (or JSON) job spec. Unknown keys are rejected.
func ParseJobSpec(data []byte) (JobSpec, error) {
	var spec JobSpec
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		if err == io.EOF {
			err = fmt.Errorf("empty job spec")
		}
		return JobSpec{}, errors.New(fmt.Errorf("failed to parse job spec: %w", err)).
			Component("migration").
			Category(errors.CategoryValidation).
			Build()
	}
	return spec, nil
}

// LoadJobSpecFile reads and parses a job spec file.
func LoadJobSpecFile(path string) (JobSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return JobSpec{}, errors.New(fmt.Errorf("failed to read job spec: %w", err)).
			Component("migration").
			Category(errors.CategoryConfiguration).
			Context("path", path).
			Build()
	}
	return ParseJobSpec(data)
}

// withDefaults fills unset fields from the engine settings.
func (s JobSpec) withDefaults(engine conf.EngineSettings) JobSpec {
	if s.MergePolicy == "" {
		s.MergePolicy = entities.MergeFillEmpty
	}
	if s.ConflictStrategy == "" {
		s.ConflictStrategy = entities.StrategyMerge
	}
	if s.BatchSize <= 0 {
		s.BatchSize = engine.BatchSize
	}
	if s.Workers <= 0 {
		s.Workers = engine.Workers
	}
	if s.RateLimit == 0 {
		s.RateLimit = engine.RateLimit
	}
	if s.MaxRuntime == 0 {
		s.MaxRuntime = engine.MaxRuntime
	}
	if s.Source.IDField == "" {
		s.Source.IDField = source.DefaultIDField
	}
	return s
}

// validate checks the spec after defaults are applied. kinds are the
// registered source adapter kinds.
func (s JobSpec) validate(kinds []string) error {
	var problems []string
	if strings.TrimSpace(s.EntityType) == "" {
		problems = append(problems, "entity_type is required")
	}
	if strings.TrimSpace(s.LegacySystem) == "" {
		problems = append(problems, "legacy_system is required")
	}
	if !slices.Contains(kinds, s.Source.Kind) {
		problems = append(problems, fmt.Sprintf("source.kind %q is not one of %s", s.Source.Kind, strings.Join(kinds, ", ")))
	}
	if s.Source.Location == "" {
		problems = append(problems, "source.location is required")
	}
	if !s.MergePolicy.Valid() {
		problems = append(problems, fmt.Sprintf("merge_policy %q is invalid", s.MergePolicy))
	}
	if !s.ConflictStrategy.Valid() {
		problems = append(problems, fmt.Sprintf("conflict_strategy %q is invalid", s.ConflictStrategy))
	}
	if s.BatchSize <= 0 {
		problems = append(problems, "batch_size must be positive")
	}
	if s.Workers <= 0 {
		problems = append(problems, "workers must be positive")
	}
	if s.RateLimit < 0 {
		problems = append(problems, "rate_limit must not be negative")
	}
	if s.MaxRuntime < 0 {
		problems = append(problems, "max_runtime must not be negative")
	}
	if _, err := transform.NewFieldMapper(s.Mappings); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) == 0 {
		return nil
	}
	return errors.Newf("invalid job spec: %s", strings.Join(problems, "; ")).
		Component("migration").
		Category(errors.CategoryValidation).
		Context("entity_type", s.EntityType).
		Build()
}
