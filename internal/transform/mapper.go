// Package transform turns legacy payloads into target core and custom
// fields according to a job's field mappings.
package transform

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"net/mail"
	"slices"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/tphakala/recordmigrate/internal/datastore/entities"
	"github.com/tphakala/recordmigrate/internal/errors"
)

// mapperVersion changes whenever a built-in function changes its output.
const mapperVersion = "fieldmap-1"

// Output is the transformed record.
type Output struct {
	Core   map[string]any
	Custom map[string]any
}

// Transformer converts one legacy payload. Errors carry their retry class.
type Transformer interface {
	Transform(ctx context.Context, payload map[string]any) (Output, error)
	// Version identifies the transformation for checkpoint and quarantine rows.
	Version() string
}

// Func converts one mapped value.
type Func func(v any) (any, error)

// Functions are the named value transforms usable in a mapping.
var Functions = map[string]Func{
	"trim":       trimFunc,
	"lower":      stringFunc(strings.ToLower),
	"upper":      stringFunc(strings.ToUpper),
	"title":      stringFunc(func(s string) string { return cases.Title(language.Und).String(s) }),
	"email":      emailFunc,
	"phone":      phoneFunc,
	"digits":     stringFunc(keepDigits),
	"int":        intFunc,
	"float":      floatFunc,
	"bool":       boolFunc,
	"string":     stringFunc(func(s string) string { return s }),
	"identifier": stringFunc(NormalizeIdentifier),
}

// FieldMapper is the default Transformer, driven by field mappings.
type FieldMapper struct {
	mappings []entities.FieldMapping
	version  string
}

// NewFieldMapper validates mappings and returns a mapper for them.
func NewFieldMapper(mappings []entities.FieldMapping) (*FieldMapper, error) {
	if len(mappings) == 0 {
		return nil, errors.Newf("at least one field mapping is required").
			Component("transform").
			Category(errors.CategoryValidation).
			Build()
	}
	seen := make(map[string]bool, len(mappings))
	for i, m := range mappings {
		if m.Source == "" || m.Target == "" {
			return nil, errors.Newf("mapping %d needs a source and a target", i).
				Component("transform").
				Category(errors.CategoryValidation).
				Build()
		}
		key := m.Target
		if m.Custom {
			key = "custom." + key
		}
		if seen[key] {
			return nil, errors.Newf("target %q is mapped twice", key).
				Component("transform").
				Category(errors.CategoryValidation).
				Build()
		}
		seen[key] = true
		for _, name := range splitFuncs(m.Transform) {
			if _, ok := Functions[name]; !ok {
				return nil, errors.Newf("unknown transform %q in mapping of %s", name, m.Source).
					Component("transform").
					Category(errors.CategoryValidation).
					Context("known", slices.Sorted(maps.Keys(Functions))).
					Build()
			}
		}
	}

	version, err := Version(mappings)
	if err != nil {
		return nil, err
	}
	return &FieldMapper{mappings: slices.Clone(mappings), version: version}, nil
}

// Version returns the mapper version.
func (m *FieldMapper) Version() string {
	return m.version
}

// Transform applies every mapping to payload. A missing required field or a
// failing value transform is a permanent error.
func (m *FieldMapper) Transform(ctx context.Context, payload map[string]any) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}

	out := Output{Core: map[string]any{}, Custom: map[string]any{}}
	for _, mp := range m.mappings {
		v, ok := lookup(payload, mp.Source)
		if !ok || isEmpty(v) {
			if mp.Required {
				return Output{}, errors.NewPermanent(errors.CodeValidation,
					fmt.Errorf("required field %q is missing", mp.Source))
			}
			continue
		}

		for _, name := range splitFuncs(mp.Transform) {
			converted, err := Functions[name](v)
			if err != nil {
				return Output{}, errors.NewPermanent(errors.CodeUnmappable,
					fmt.Errorf("field %q: %s: %w", mp.Source, name, err))
			}
			v = converted
		}

		if mp.Custom {
			out.Custom[mp.Target] = v
		} else {
			out.Core[mp.Target] = v
		}
	}
	return out, nil
}

// Version derives a transform version from the mapper version and the
// mappings, so that editing a mapping changes the version.
func Version(mappings []entities.FieldMapping) (string, error) {
	data, err := json.Marshal(mappings)
	if err != nil {
		return "", fmt.Errorf("failed to encode mappings: %w", err)
	}
	sum := sha256.Sum256(data)
	return mapperVersion + ":" + hex.EncodeToString(sum[:6]), nil
}

// lookup resolves dotted paths ("address.city") in nested payloads.
func lookup(payload map[string]any, path string) (any, bool) {
	var cur any = payload
	for part := range strings.SplitSeq(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	}
	return false
}

func splitFuncs(spec string) []string {
	var names []string
	for name := range strings.SplitSeq(spec, "|") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}

func asString(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case bool:
		return strconv.FormatBool(x), nil
	case json.Number:
		return x.String(), nil
	}
	return "", fmt.Errorf("cannot use %T as text", v)
}

func stringFunc(fn func(string) string) Func {
	return func(v any) (any, error) {
		s, err := asString(v)
		if err != nil {
			return nil, err
		}
		return fn(s), nil
	}
}

func trimFunc(v any) (any, error) {
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s), nil
	}
	return v, nil
}

func emailFunc(v any) (any, error) {
	s, err := asString(v)
	if err != nil {
		return nil, err
	}
	addr, err := mail.ParseAddress(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid email address")
	}
	return strings.ToLower(addr.Address), nil
}

func phoneFunc(v any) (any, error) {
	s, err := asString(v)
	if err != nil {
		return nil, err
	}
	s = strings.TrimSpace(s)
	digits := keepDigits(s)
	if len(digits) < 5 {
		return nil, fmt.Errorf("phone number has too few digits")
	}
	if strings.HasPrefix(s, "+") {
		return "+" + digits, nil
	}
	return digits, nil
}

func keepDigits(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}

func intFunc(v any) (any, error) {
	switch x := v.(type) {
	case float64:
		if x != float64(int64(x)) {
			return nil, fmt.Errorf("%v is not an integer", x)
		}
		return int64(x), nil
	case int:
		return int64(x), nil
	case int64:
		return x, nil
	}
	s, err := asString(v)
	if err != nil {
		return nil, err
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%q is not an integer", s)
	}
	return n, nil
}

func floatFunc(v any) (any, error) {
	if f, ok := v.(float64); ok {
		return f, nil
	}
	s, err := asString(v)
	if err != nil {
		return nil, err
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return nil, fmt.Errorf("%q is not a number", s)
	}
	return f, nil
}

func boolFunc(v any) (any, error) {
	if b, ok := v.(bool); ok {
		return b, nil
	}
	s, err := asString(v)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "y":
		return true, nil
	case "0", "false", "no", "n":
		return false, nil
	}
	return nil, fmt.Errorf("%q is not a boolean", s)
}
