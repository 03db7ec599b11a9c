package source

import (
	"context"
	"maps"
	"strconv"
	"sync"

	"github.com/tphakala/recordmigrate/internal/datastore/entities"
	"github.com/tphakala/recordmigrate/internal/errors"
)

// Static serves in-memory datasets named by cfg.Location. The cursor is an
// index into the dataset. It backs tests and dry runs.
type Static struct {
	mu       sync.RWMutex
	datasets map[string][]map[string]any
}

// NewStatic returns an empty static adapter.
func NewStatic() *Static {
	return &Static{datasets: make(map[string][]map[string]any)}
}

// Put replaces the dataset called name.
func (s *Static) Put(name string, records []map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.datasets[name] = records
}

// Fetch implements Adapter.
func (s *Static) Fetch(ctx context.Context, cfg entities.SourceConfig, cursor string, limit int) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}
	offset, err := parseOffset(cursor)
	if err != nil {
		return Batch{}, err
	}

	s.mu.RLock()
	data, ok := s.datasets[cfg.Location]
	s.mu.RUnlock()
	if !ok {
		return Batch{}, errors.NewTransient(errors.CodeSourceDown,
			errors.Newf("static dataset %q not found", cfg.Location).
				Component("source").
				Category(errors.CategorySource).
				Build())
	}

	start := min(int(offset), len(data))
	end := len(data)
	if limit > 0 {
		end = min(start+limit, len(data))
	}
	batch := Batch{
		Records:    make([]Record, 0, end-start),
		NextCursor: strconv.Itoa(end),
		Done:       end >= len(data),
	}
	for _, payload := range data[start:end] {
		batch.Records = append(batch.Records, newRecord(maps.Clone(payload), cfg.IDField))
	}
	return batch, nil
}
