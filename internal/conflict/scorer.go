package conflict

import (
	"fmt"
	"math"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/tphakala/recordmigrate/internal/conf"
	"github.com/tphakala/recordmigrate/internal/datastore/entities"
	"github.com/tphakala/recordmigrate/internal/errors"
	"github.com/tphakala/recordmigrate/internal/target"
	"github.com/tphakala/recordmigrate/internal/transform"
)

// Field comparison modes of the weighted scorer.
const (
	ModeFuzzy = "fuzzy"
	ModeExact = "exact"
)

// Score is the similarity of an incoming record to one existing entity.
type Score struct {
	Total   float64
	Reasons []string
	Diff    []entities.FieldDiff
}

// Scorer rates how likely candidate is the same real-world entity as the
// incoming payload. Implementations must be safe for concurrent use.
type Scorer interface {
	Score(incoming target.Payload, candidate target.Entity) Score
}

// Thresholds are the lower bounds of the confidence buckets.
type Thresholds struct {
	High   float64
	Medium float64
	Low    float64
}

// DefaultThresholds returns 0.90 / 0.75 / 0.50.
func DefaultThresholds() Thresholds {
	return Thresholds{High: 0.90, Medium: 0.75, Low: 0.50}
}

// Bucket returns the bucket of score. ok is false below Low.
func (t Thresholds) Bucket(score float64) (bucket entities.Bucket, ok bool) {
	switch {
	case score >= t.High:
		return entities.BucketHigh, true
	case score >= t.Medium:
		return entities.BucketMedium, true
	case score >= t.Low:
		return entities.BucketLow, true
	default:
		return "", false
	}
}

// Validate checks 0 < low <= medium <= high <= 1.
func (t Thresholds) Validate() error {
	if t.Low <= 0 || t.Low > t.Medium || t.Medium > t.High || t.High > 1 {
		return errors.Newf("invalid thresholds: need 0 < low <= medium <= high <= 1, got %.2f/%.2f/%.2f",
			t.Low, t.Medium, t.High).
			Component("conflict").
			Category(errors.CategoryValidation).
			Build()
	}
	return nil
}

// WeightedScorer averages per-field similarities by weight. Fields missing
// on both sides do not count. A matching identifier lifts the total to at
// least the identifier's score.
type WeightedScorer struct {
	fields []conf.ScorerField
	idents []conf.IdentifierRule
	norm   *transform.Normalizer
}

// NewWeightedScorer validates the rules in cfg.
func NewWeightedScorer(cfg conf.ScorerSettings) (*WeightedScorer, error) {
	if len(cfg.Fields) == 0 && len(cfg.Identifiers) == 0 {
		return nil, scorerError("scorer needs at least one field or identifier rule")
	}
	for _, f := range cfg.Fields {
		if f.Name == "" || f.Weight <= 0 {
			return nil, scorerError(fmt.Sprintf("field rule %q needs a name and a positive weight", f.Name))
		}
		if f.Mode != "" && f.Mode != ModeFuzzy && f.Mode != ModeExact {
			return nil, scorerError(fmt.Sprintf("field rule %q: unknown mode %q", f.Name, f.Mode))
		}
	}
	for _, id := range cfg.Identifiers {
		if id.Field == "" || id.Score <= 0 || id.Score > 1 {
			return nil, scorerError(fmt.Sprintf("identifier rule %q needs a score in (0,1]", id.Field))
		}
	}
	return &WeightedScorer{
		fields: cfg.Fields,
		idents: cfg.Identifiers,
		norm:   transform.NewNormalizer(cfg.IgnoreTokens),
	}, nil
}

// Score implements Scorer.
func (s *WeightedScorer) Score(incoming target.Payload, candidate target.Entity) Score {
	var out Score
	var weighted, weights float64

	for _, rule := range s.fields {
		src, srcOK := text(incoming.Core[rule.Name])
		dst, dstOK := text(candidate.Core[rule.Name])
		if !srcOK && !dstOK {
			continue
		}
		weights += rule.Weight

		var sim float64
		if srcOK && dstOK {
			sim = s.similarity(rule.Mode, src, dst)
		}
		weighted += rule.Weight * sim

		if sim > 0 {
			out.Reasons = append(out.Reasons, fmt.Sprintf("%s similarity %.2f", rule.Name, sim))
		}
		if sim < 1 {
			out.Diff = append(out.Diff, entities.FieldDiff{
				Field:      rule.Name,
				Source:     incoming.Core[rule.Name],
				Target:     candidate.Core[rule.Name],
				Similarity: round(sim, 2),
			})
		}
	}
	if weights > 0 {
		out.Total = weighted / weights
	}

	for _, id := range s.idents {
		src, srcOK := text(incoming.Core[id.Field])
		dst, dstOK := text(candidate.Core[id.Field])
		if !srcOK || !dstOK {
			continue
		}
		a, b := transform.NormalizeIdentifier(src), transform.NormalizeIdentifier(dst)
		if a != "" && a == b {
			out.Total = max(out.Total, id.Score)
			out.Reasons = append(out.Reasons, "matching "+id.Field)
		}
	}

	out.Total = round(out.Total, 4)
	return out
}

func (s *WeightedScorer) similarity(mode, a, b string) float64 {
	na, nb := s.norm.Normalize(a), s.norm.Normalize(b)
	if na == nb {
		return 1
	}
	if mode == ModeExact || na == "" || nb == "" {
		return 0
	}
	m := difflib.NewMatcher(strings.Split(na, ""), strings.Split(nb, ""))
	return round(m.Ratio(), 4)
}

// text renders a scalar field value. Empty strings and nil are absent.
func text(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		t = strings.TrimSpace(t)
		return t, t != ""
	default:
		return fmt.Sprint(t), true
	}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func scorerError(msg string) error {
	return errors.Newf("%s", msg).
		Component("conflict").
		Category(errors.CategoryValidation).
		Build()
}
