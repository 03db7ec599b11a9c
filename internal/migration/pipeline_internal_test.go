package migration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/recordmigrate/internal/datastore/entities"
	"github.com/tphakala/recordmigrate/internal/errors"
	"github.com/tphakala/recordmigrate/internal/source"
)

func TestTallyCountsFirstPassAndReplays(t *testing.T) {
	t.Parallel()

	var first tally
	for _, o := range []Outcome{OutcomeCommitted, OutcomeCommitted, OutcomeSkipped, OutcomeEscalated, OutcomeQuarantined, OutcomeAbandoned} {
		first.add(o)
	}
	assert.Equal(t, tally{success: 2, skipped: 1, conflicts: 1, quarantined: 2, failure: 1}, first)

	var replay tally
	for _, o := range []Outcome{OutcomeCommitted, OutcomeQuarantined, OutcomeAbandoned} {
		replay.addReplay(o)
	}
	assert.Equal(t, tally{success: 1, failure: 1}, replay)
}

func TestSourceItemKeysRecordsWithoutID(t *testing.T) {
	t.Parallel()

	it := sourceItem(source.Record{LegacyID: "L-1", Payload: map[string]any{"id": "L-1"}}, "id")
	assert.Equal(t, "L-1", it.legacyID)
	assert.NoError(t, it.extractErr)

	payload := map[string]any{"name": "no id"}
	it = sourceItem(source.Record{Payload: payload}, "id")
	assert.Equal(t, source.PayloadKey(payload), it.legacyID)
	require.Error(t, it.extractErr)
	class, code := errors.Classify(it.extractErr)
	assert.Equal(t, errors.ClassPermanent, class)
	assert.Equal(t, errors.CodeMissingID, code)
}

func TestReplayItemRebuildsExtractFailures(t *testing.T) {
	t.Parallel()

	entry := &entities.QuarantineEntry{
		LegacyID:     "k-1",
		RawPayload:   map[string]any{"raw": "x"},
		Stage:        entities.StageExtract,
		ErrorCode:    errors.CodeMissingID,
		ErrorMessage: "permanent missing_legacy_id: record has no id",
	}
	it := replayItem(entry)
	require.Error(t, it.extractErr)
	assert.Equal(t, entry.ErrorMessage, it.extractErr.Error())

	entry.Stage = entities.StageTransform
	assert.NoError(t, replayItem(entry).extractErr)
}

func TestMetricOutcome(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "conflict", metricOutcome(OutcomeEscalated))
	assert.Equal(t, "committed", metricOutcome(OutcomeCommitted))
	assert.Equal(t, "abandoned", metricOutcome(OutcomeAbandoned))
}

func TestSequencerCommitsInOrder(t *testing.T) {
	t.Parallel()

	var got []int64
	seq := newSequencer(1, func(r batchResult) error {
		got = append(got, r.index)
		return nil
	})
	require.NoError(t, seq.complete(batchResult{index: 3}))
	require.NoError(t, seq.complete(batchResult{index: 2}))
	assert.Empty(t, got)
	require.NoError(t, seq.complete(batchResult{index: 1}))
	assert.Equal(t, []int64{1, 2, 3}, got)
}
