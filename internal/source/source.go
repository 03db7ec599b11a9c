// Package source defines the legacy source adapter contract and the bundled
// adapters: jsonl files, paged HTTP/JSON endpoints and in-memory datasets.
//
// Adapters are side-effect free and resumable: fetching again from any cursor
// they returned yields the same records.
package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"sync"

	"github.com/tphakala/recordmigrate/internal/datastore/entities"
	"github.com/tphakala/recordmigrate/internal/errors"
	"github.com/tphakala/recordmigrate/internal/httpclient"
)

// Adapter kinds.
const (
	KindJSONL  = "jsonl"
	KindHTTP   = "http"
	KindStatic = "static"
)

// DefaultIDField is the legacy id attribute when the config names none.
const DefaultIDField = "id"

// Record is one legacy record. A record that could not be read carries Err
// and whatever raw content was available in Payload.
type Record struct {
	LegacyID string
	Payload  map[string]any
	Err      error
}

// Batch is a page of records. NextCursor resumes after the last record.
type Batch struct {
	Records    []Record
	NextCursor string
	Done       bool
}

// Adapter reads a legacy system.
type Adapter interface {
	Fetch(ctx context.Context, cfg entities.SourceConfig, cursor string, limit int) (Batch, error)
}

// Registry dispatches to adapters by kind.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// NewDefaultRegistry registers the bundled adapters. static may be nil.
func NewDefaultRegistry(client *httpclient.Client, static *Static) *Registry {
	r := NewRegistry()
	r.Register(KindJSONL, JSONL{})
	r.Register(KindHTTP, NewHTTP(client))
	if static == nil {
		static = NewStatic()
	}
	r.Register(KindStatic, static)
	return r
}

// Register adds or replaces the adapter for kind.
func (r *Registry) Register(kind string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[kind] = a
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.adapters))
}

// Adapter returns the adapter for kind.
func (r *Registry) Adapter(kind string) (Adapter, error) {
	r.mu.RLock()
	a, ok := r.adapters[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Newf("unknown source kind %q", kind).
			Component("source").
			Category(errors.CategoryConfiguration).
			Context("kind", kind).
			Build()
	}
	return a, nil
}

// Fetch implements Adapter by dispatching on cfg.Kind.
func (r *Registry) Fetch(ctx context.Context, cfg entities.SourceConfig, cursor string, limit int) (Batch, error) {
	a, err := r.Adapter(cfg.Kind)
	if err != nil {
		return Batch{}, err
	}
	return a.Fetch(ctx, cfg, cursor, limit)
}

// ExtractID returns the legacy id of payload. Numbers are rendered without
// exponent so 1e6 and 1000000 agree.
func ExtractID(payload map[string]any, idField string) string {
	if idField == "" {
		idField = DefaultIDField
	}
	switch v := payload[idField].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// PayloadKey is the stable identity of a record without a legacy id.
func PayloadKey(payload map[string]any) string {
	// encoding/json sorts map keys, which makes the encoding canonical.
	data, err := json.Marshal(payload)
	if err != nil {
		data = fmt.Appendf(nil, "%v", payload)
	}
	sum := sha256.Sum256(append([]byte("recordmigrate/payload/v1\x00"), data...))
	return "sha256:" + hex.EncodeToString(sum[:16])
}

// newRecord builds a record from a decoded payload.
func newRecord(payload map[string]any, idField string) Record {
	return Record{LegacyID: ExtractID(payload, idField), Payload: payload}
}

// malformed builds a record for content that could not be decoded.
func malformed(raw string, position string, err error) Record {
	return Record{
		Payload: map[string]any{"raw": raw, "position": position},
		Err:     errors.NewPermanent(errors.CodeValidation, fmt.Errorf("malformed record at %s: %w", position, err)),
	}
}

func parseOffset(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil || n < 0 {
		return 0, errors.Newf("invalid cursor %q", cursor).
			Component("source").
			Category(errors.CategoryValidation).
			Build()
	}
	return n, nil
}
