package source

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/tphakala/recordmigrate/internal/datastore/entities"
	"github.com/tphakala/recordmigrate/internal/errors"
	"github.com/tphakala/recordmigrate/internal/httpclient"
)

// Option keys understood by the HTTP adapter.
const (
	OptionRecordsField = "records_field" // default "records"
	OptionNextField    = "next_field"    // default "next_cursor"
	OptionCursorParam  = "cursor_param"  // default "cursor"
	OptionLimitParam   = "limit_param"   // default "limit"
)

// HTTP reads a paged JSON endpoint at cfg.Location. Each page is an object
// with a records array and a next-page token; an empty token ends the source.
// The cursor is the token that produced the page to read.
type HTTP struct {
	client *httpclient.Client
}

// NewHTTP creates an HTTP adapter on client.
func NewHTTP(client *httpclient.Client) *HTTP {
	return &HTTP{client: client}
}

// Fetch implements Adapter.
func (h *HTTP) Fetch(ctx context.Context, cfg entities.SourceConfig, cursor string, limit int) (Batch, error) {
	pageURL, err := buildPageURL(cfg, cursor, limit)
	if err != nil {
		return Batch{}, err
	}

	var page map[string]any
	if err := h.client.GetJSON(ctx, pageURL, &page); err != nil {
		return Batch{}, fetchError(cfg, err)
	}

	recordsField := option(cfg, OptionRecordsField, "records")
	items, ok := page[recordsField].([]any)
	if !ok && page[recordsField] != nil {
		return Batch{}, errors.Newf("page field %q is not an array", recordsField).
			Component("source").
			Category(errors.CategorySource).
			Context("location", cfg.Location).
			Build()
	}

	batch := Batch{Records: make([]Record, 0, len(items))}
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			batch.Records = append(batch.Records, malformed(fmt.Sprint(item),
				fmt.Sprintf("page %q item %d", cursor, i), errors.NewStd("record is not an object")))
			continue
		}
		batch.Records = append(batch.Records, newRecord(obj, cfg.IDField))
	}

	next, _ := page[option(cfg, OptionNextField, "next_cursor")].(string)
	batch.NextCursor = next
	batch.Done = next == ""
	return batch, nil
}

func buildPageURL(cfg entities.SourceConfig, cursor string, limit int) (string, error) {
	u, err := url.Parse(cfg.Location)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", errors.Newf("invalid source URL %q", cfg.Location).
			Component("source").
			Category(errors.CategoryConfiguration).
			Build()
	}
	q := u.Query()
	if limit > 0 {
		q.Set(option(cfg, OptionLimitParam, "limit"), strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set(option(cfg, OptionCursorParam, "cursor"), cursor)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func fetchError(cfg entities.SourceConfig, err error) error {
	built := errors.New(fmt.Errorf("failed to fetch source page: %w", err)).
		Component("source").
		Category(errors.CategorySource).
		Context("location", cfg.Location).
		Build()

	var se *httpclient.StatusError
	if errors.As(err, &se) && !se.Retryable() {
		return errors.NewPermanent(errors.CodeSourceDown, built)
	}
	return errors.NewTransient(errors.CodeSourceDown, built)
}

func option(cfg entities.SourceConfig, key, def string) string {
	if v := cfg.Options[key]; v != "" {
		return v
	}
	return def
}
