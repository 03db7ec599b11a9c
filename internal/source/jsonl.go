package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/tphakala/recordmigrate/internal/datastore/entities"
	"github.com/tphakala/recordmigrate/internal/errors"
)

const maxLineBytes = 16 << 20

// JSONL reads one JSON object per line from cfg.Location. The cursor is the
// number of lines consumed. Blank lines are skipped but counted.
type JSONL struct{}

// Fetch implements Adapter.
func (JSONL) Fetch(ctx context.Context, cfg entities.SourceConfig, cursor string, limit int) (Batch, error) {
	offset, err := parseOffset(cursor)
	if err != nil {
		return Batch{}, err
	}
	if limit <= 0 {
		limit = 1
	}

	f, err := os.Open(cfg.Location)
	if err != nil {
		// A missing or unreadable file may be a mount that is not there yet.
		return Batch{}, errors.NewTransient(errors.CodeSourceDown,
			errors.New(fmt.Errorf("failed to open source file: %w", err)).
				Component("source").
				Category(errors.CategorySource).
				Context("location", cfg.Location).
				Build())
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var line int64
	for line < offset && scanner.Scan() {
		line++
	}
	if err := scanner.Err(); err != nil {
		return Batch{}, readError(cfg, err)
	}

	batch := Batch{NextCursor: strconv.FormatInt(line, 10)}
	for len(batch.Records) < limit {
		if err := ctx.Err(); err != nil {
			return Batch{}, err
		}
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return Batch{}, readError(cfg, err)
			}
			batch.Done = true
			break
		}
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		batch.Records = append(batch.Records, decodeLine(raw, line, cfg.IDField))
	}
	batch.NextCursor = strconv.FormatInt(line, 10)

	// Peek so a batch ending exactly at EOF reports Done.
	if !batch.Done && !scanner.Scan() && scanner.Err() == nil {
		batch.Done = true
	}
	return batch, nil
}

func decodeLine(raw []byte, line int64, idField string) Record {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return malformed(string(raw), "line "+strconv.FormatInt(line, 10), err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return malformed(string(raw), "line "+strconv.FormatInt(line, 10), errors.NewStd("trailing data after object"))
	}
	if payload == nil {
		return malformed(string(raw), "line "+strconv.FormatInt(line, 10), errors.NewStd("null record"))
	}
	return newRecord(normalizeNumbers(payload), idField)
}

// normalizeNumbers turns json.Number into float64 or int64, recursively, so
// payloads look like plain encoding/json output with exact integers.
func normalizeNumbers(v map[string]any) map[string]any {
	for k, val := range v {
		v[k] = normalizeValue(val)
	}
	return v
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return float64OrInt(i)
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		return normalizeNumbers(t)
	case []any:
		for i := range t {
			t[i] = normalizeValue(t[i])
		}
		return t
	default:
		return v
	}
}

// float64OrInt keeps integers that survive a float64 round trip as float64,
// matching encoding/json, and larger ones as int64.
func float64OrInt(i int64) any {
	const exact = 1 << 53
	if i > -exact && i < exact {
		return float64(i)
	}
	return i
}

func readError(cfg entities.SourceConfig, err error) error {
	return errors.NewTransient(errors.CodeSourceDown,
		errors.New(fmt.Errorf("failed to read source file: %w", err)).
			Component("source").
			Category(errors.CategorySource).
			Context("location", cfg.Location).
			Build())
}
