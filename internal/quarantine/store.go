// Package quarantine isolates records that failed a pipeline stage so the
// rest of their batch can proceed.
//
// Each distinct failure signature of a record is one row. A repeat of the
// same failure updates the row, pushing replay_after out with exponential
// backoff, until the retry count exceeds the cap for the error class and
// the record is abandoned for the job.
package quarantine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"gorm.io/gorm"

	"github.com/tphakala/recordmigrate/internal/datastore"
	"github.com/tphakala/recordmigrate/internal/datastore/entities"
	"github.com/tphakala/recordmigrate/internal/errors"
	"github.com/tphakala/recordmigrate/internal/logger"
)

const (
	maxMessageLength = 2000
	reportAttempts   = 3
	hashDomain       = "recordmigrate/quarantine/v1\x00"
)

var activeStatuses = []entities.QuarantineStatus{entities.QuarantineQuarantined, entities.QuarantineRetrying}

// Record identifies the quarantined legacy record.
type Record struct {
	Tenant           string
	JobID            string
	EntityType       string
	LegacySystem     string
	LegacyID         string
	RawPayload       map[string]any
	TransformVersion string
}

// ReportRequest describes one stage failure.
type ReportRequest struct {
	Record Record
	Stage  entities.Stage
	Err    error
}

// ReportResult is the state of the row after Report.
type ReportResult struct {
	Entry     entities.QuarantineEntry
	Inserted  bool
	Abandoned bool
}

// Config configures a Store.
type Config struct {
	Policy RetryPolicy
	// CacheTTL bounds how long abandoned records stay in the in-memory cache.
	CacheTTL time.Duration
	Logger   logger.Logger
	Now      func() time.Time
}

// Store persists quarantine rows.
type Store struct {
	db        *gorm.DB
	policy    RetryPolicy
	abandoned *cache.Cache
	log       logger.Logger
	now       func() time.Time
}

// NewStore creates a quarantine store.
func NewStore(db *gorm.DB, cfg Config) *Store {
	s := &Store{
		db:     db,
		policy: cfg.Policy,
		log:    cfg.Logger,
		now:    cfg.Now,
	}
	if s.policy == (RetryPolicy{}) {
		s.policy = DefaultRetryPolicy()
	}
	if s.log == nil {
		s.log = logger.Global().Module("quarantine")
	}
	if s.now == nil {
		s.now = time.Now
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	s.abandoned = cache.New(ttl, 2*ttl)
	return s
}

// Policy returns the retry policy in use.
func (s *Store) Policy() RetryPolicy {
	return s.policy
}

// Report records a failure of req.Record at req.Stage.
//
// An active row with the same signature is updated: retry_count goes up
// and replay_after is recomputed. Otherwise a row is inserted. Other
// active rows of the record are resolved, since the record no longer
// fails that way, and their retry count carries over so alternating
// failures still exceed the cap.
func (s *Store) Report(ctx context.Context, req ReportRequest) (ReportResult, error) {
	class, code := errors.Classify(req.Err)
	message := ""
	if req.Err != nil {
		message = truncate(errors.ScrubMessage(req.Err.Error()), maxMessageLength)
	}
	hash := Signature(req.Stage, class, code, message)

	for range reportAttempts {
		res, done, err := s.reportOnce(ctx, req, class, code, message, hash)
		if err != nil {
			return ReportResult{}, errors.New(fmt.Errorf("failed to record quarantine: %w", err)).
				Component("quarantine").
				Category(errors.CategoryQuarantine).
				Context("job_id", req.Record.JobID).
				Context("legacy_id", req.Record.LegacyID).
				Context("stage", string(req.Stage)).
				Build()
		}
		if done {
			s.log.Debug("record quarantined",
				logger.String("job_id", req.Record.JobID),
				logger.String("legacy_id", req.Record.LegacyID),
				logger.String("stage", string(req.Stage)),
				logger.String("class", string(class)),
				logger.String("code", code),
				logger.Int("retry_count", res.Entry.RetryCount),
				logger.Bool("abandoned", res.Abandoned))
			return res, nil
		}
	}

	return ReportResult{}, errors.Newf("quarantine row for %s kept changing during report", req.Record.LegacyID).
		Component("quarantine").
		Category(errors.CategoryQuarantine).
		Context("job_id", req.Record.JobID).
		Build()
}

func (s *Store) reportOnce(ctx context.Context, req ReportRequest, class errors.Class, code, message, hash string) (ReportResult, bool, error) {
	db := s.db.WithContext(ctx)
	rec := req.Record
	now := s.now().UTC()
	limit := s.policy.Cap(class)

	var active []entities.QuarantineEntry
	if err := db.Where("job_id = ? AND entity_type = ? AND legacy_system = ? AND legacy_id = ? AND status IN ?",
		rec.JobID, rec.EntityType, rec.LegacySystem, rec.LegacyID, activeStatuses).
		Find(&active).Error; err != nil {
		return ReportResult{}, false, err
	}

	var same *entities.QuarantineEntry
	carried := -1
	var others []uint64
	for i := range active {
		if active[i].ErrorHash == hash {
			same = &active[i]
			continue
		}
		others = append(others, active[i].ID)
		carried = max(carried, active[i].RetryCount)
	}

	var res ReportResult
	if same != nil {
		entry := *same
		entry.RetryCount++
		updates := map[string]any{
			"retry_count":   entry.RetryCount,
			"error_message": message,
		}
		if entry.RetryCount > limit {
			entry.Status = entities.QuarantineAbandoned
			entry.ActiveSignature = nil
			updates["status"] = entry.Status
			updates["active_signature"] = nil
		} else {
			entry.Status = entities.QuarantineQuarantined
			entry.ReplayAfter = now.Add(s.policy.Backoff(entry.RetryCount))
			updates["status"] = entry.Status
			updates["replay_after"] = entry.ReplayAfter
		}
		result := db.Model(&entities.QuarantineEntry{}).
			Where("id = ? AND retry_count = ? AND status IN ?", same.ID, same.RetryCount, activeStatuses).
			Updates(updates)
		if result.Error != nil {
			return ReportResult{}, false, result.Error
		}
		if result.RowsAffected == 0 {
			return ReportResult{}, false, nil
		}
		res = ReportResult{Entry: entry, Abandoned: entry.Status == entities.QuarantineAbandoned}
	} else {
		entry := entities.QuarantineEntry{
			Tenant:           rec.Tenant,
			JobID:            rec.JobID,
			EntityType:       rec.EntityType,
			LegacySystem:     rec.LegacySystem,
			LegacyID:         rec.LegacyID,
			RawPayload:       rec.RawPayload,
			TransformVersion: rec.TransformVersion,
			Stage:            req.Stage,
			ErrorClass:       string(class),
			ErrorCode:        code,
			ErrorMessage:     message,
			ErrorHash:        hash,
			RetryCount:       carried + 1,
			Status:           entities.QuarantineQuarantined,
		}
		if entry.RetryCount > limit {
			entry.Status = entities.QuarantineAbandoned
			entry.ReplayAfter = now
		} else {
			entry.ActiveSignature = &hash
			entry.ReplayAfter = now.Add(s.policy.Backoff(entry.RetryCount))
		}
		if err := db.Create(&entry).Error; err != nil {
			if datastore.IsDuplicateKey(err) {
				// Another report inserted the same signature first.
				return ReportResult{}, false, nil
			}
			return ReportResult{}, false, err
		}
		res = ReportResult{Entry: entry, Inserted: true, Abandoned: entry.Status == entities.QuarantineAbandoned}
	}

	if len(others) > 0 {
		if err := db.Model(&entities.QuarantineEntry{}).
			Where("id IN ? AND status IN ?", others, activeStatuses).
			Updates(map[string]any{"status": entities.QuarantineResolved, "active_signature": nil}).Error; err != nil {
			return ReportResult{}, false, err
		}
	}

	if res.Abandoned {
		if err := s.abandonRecord(ctx, rec.JobID, rec.EntityType, rec.LegacySystem, rec.LegacyID); err != nil {
			return ReportResult{}, false, err
		}
	}
	return res, true, nil
}

// Abandon marks the record of entry abandoned for its job. Every active
// row of the record is closed and the record is excluded from further
// batches of the job.
func (s *Store) Abandon(ctx context.Context, entry *entities.QuarantineEntry) error {
	if err := s.abandonRecord(ctx, entry.JobID, entry.EntityType, entry.LegacySystem, entry.LegacyID); err != nil {
		return errors.New(fmt.Errorf("failed to abandon record: %w", err)).
			Component("quarantine").
			Category(errors.CategoryQuarantine).
			Context("job_id", entry.JobID).
			Context("legacy_id", entry.LegacyID).
			Build()
	}
	entry.Status = entities.QuarantineAbandoned
	entry.ActiveSignature = nil
	return nil
}

func (s *Store) abandonRecord(ctx context.Context, jobID, entityType, legacySystem, legacyID string) error {
	err := s.db.WithContext(ctx).Model(&entities.QuarantineEntry{}).
		Where("job_id = ? AND entity_type = ? AND legacy_system = ? AND legacy_id = ? AND status IN ?",
			jobID, entityType, legacySystem, legacyID, activeStatuses).
		Updates(map[string]any{"status": entities.QuarantineAbandoned, "active_signature": nil}).Error
	if err != nil {
		return err
	}
	s.abandoned.SetDefault(recordKey(jobID, entityType, legacySystem, legacyID), true)
	s.log.Info("record abandoned",
		logger.String("job_id", jobID),
		logger.String("entity_type", entityType),
		logger.String("legacy_id", legacyID))
	return nil
}

// IsAbandoned reports whether the record was abandoned in jobID.
func (s *Store) IsAbandoned(ctx context.Context, jobID, entityType, legacySystem, legacyID string) (bool, error) {
	key := recordKey(jobID, entityType, legacySystem, legacyID)
	if _, ok := s.abandoned.Get(key); ok {
		return true, nil
	}

	var count int64
	err := s.db.WithContext(ctx).Model(&entities.QuarantineEntry{}).
		Where("job_id = ? AND entity_type = ? AND legacy_system = ? AND legacy_id = ? AND status = ?",
			jobID, entityType, legacySystem, legacyID, entities.QuarantineAbandoned).
		Count(&count).Error
	if err != nil {
		return false, errors.New(fmt.Errorf("failed to check abandoned record: %w", err)).
			Component("quarantine").
			Category(errors.CategoryDatabase).
			Context("job_id", jobID).
			Build()
	}
	if count > 0 {
		s.abandoned.SetDefault(key, true)
		return true, nil
	}
	return false, nil
}

// DueForRetry claims up to limit rows of jobID whose replay_after has
// elapsed, moving them from quarantined to retrying. A row claimed by a
// concurrent caller is not returned.
func (s *Store) DueForRetry(ctx context.Context, jobID string, limit int) ([]entities.QuarantineEntry, error) {
	db := s.db.WithContext(ctx)
	now := s.now().UTC()

	var due []entities.QuarantineEntry
	if err := db.Where("job_id = ? AND status = ? AND replay_after <= ?", jobID, entities.QuarantineQuarantined, now).
		Order("replay_after ASC").
		Limit(limit).
		Find(&due).Error; err != nil {
		return nil, errors.New(fmt.Errorf("failed to query due quarantine rows: %w", err)).
			Component("quarantine").
			Category(errors.CategoryDatabase).
			Context("job_id", jobID).
			Build()
	}

	claimed := due[:0]
	for i := range due {
		result := db.Model(&entities.QuarantineEntry{}).
			Where("id = ? AND status = ?", due[i].ID, entities.QuarantineQuarantined).
			Update("status", entities.QuarantineRetrying)
		if result.Error != nil {
			return nil, errors.New(fmt.Errorf("failed to claim quarantine row: %w", result.Error)).
				Component("quarantine").
				Category(errors.CategoryDatabase).
				Context("row_id", due[i].ID).
				Build()
		}
		if result.RowsAffected == 1 {
			due[i].Status = entities.QuarantineRetrying
			claimed = append(claimed, due[i])
		}
	}
	return claimed, nil
}

// Resolve closes every active row of a record that has since committed.
func (s *Store) Resolve(ctx context.Context, jobID, entityType, legacySystem, legacyID string) (int64, error) {
	result := s.db.WithContext(ctx).Model(&entities.QuarantineEntry{}).
		Where("job_id = ? AND entity_type = ? AND legacy_system = ? AND legacy_id = ? AND status IN ?",
			jobID, entityType, legacySystem, legacyID, activeStatuses).
		Updates(map[string]any{"status": entities.QuarantineResolved, "active_signature": nil})
	if result.Error != nil {
		return 0, errors.New(fmt.Errorf("failed to resolve quarantine rows: %w", result.Error)).
			Component("quarantine").
			Category(errors.CategoryDatabase).
			Context("job_id", jobID).
			Context("legacy_id", legacyID).
			Build()
	}
	return result.RowsAffected, nil
}

// Requeue moves rows of jobID left in retrying by an interrupted run back
// to quarantined so the next run replays them.
func (s *Store) Requeue(ctx context.Context, jobID string) (int64, error) {
	result := s.db.WithContext(ctx).Model(&entities.QuarantineEntry{}).
		Where("job_id = ? AND status = ?", jobID, entities.QuarantineRetrying).
		Update("status", entities.QuarantineQuarantined)
	if result.Error != nil {
		return 0, errors.New(fmt.Errorf("failed to requeue quarantine rows: %w", result.Error)).
			Component("quarantine").
			Category(errors.CategoryDatabase).
			Context("job_id", jobID).
			Build()
	}
	return result.RowsAffected, nil
}

// NextReplayAt returns the earliest replay_after among rows of jobID still
// waiting for replay. ok is false when none wait.
func (s *Store) NextReplayAt(ctx context.Context, jobID string) (next time.Time, ok bool, err error) {
	var entry entities.QuarantineEntry
	err = s.db.WithContext(ctx).
		Where("job_id = ? AND status = ?", jobID, entities.QuarantineQuarantined).
		Order("replay_after ASC").
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, errors.New(fmt.Errorf("failed to query next replay: %w", err)).
			Component("quarantine").
			Category(errors.CategoryDatabase).
			Context("job_id", jobID).
			Build()
	}
	return entry.ReplayAfter, true, nil
}

// List returns the rows of jobID, optionally filtered by status, oldest first.
func (s *Store) List(ctx context.Context, tenant, jobID string, statuses ...entities.QuarantineStatus) ([]entities.QuarantineEntry, error) {
	q := s.db.WithContext(ctx).Where("tenant = ? AND job_id = ?", tenant, jobID)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	var rows []entities.QuarantineEntry
	if err := q.Order("id ASC").Find(&rows).Error; err != nil {
		return nil, errors.New(fmt.Errorf("failed to list quarantine: %w", err)).
			Component("quarantine").
			Category(errors.CategoryDatabase).
			Context("job_id", jobID).
			Build()
	}
	return rows, nil
}

// Counts returns the number of rows of jobID per status.
func (s *Store) Counts(ctx context.Context, jobID string) (map[entities.QuarantineStatus]int64, error) {
	var rows []struct {
		Status entities.QuarantineStatus
		N      int64
	}
	err := s.db.WithContext(ctx).Model(&entities.QuarantineEntry{}).
		Select("status, COUNT(*) AS n").
		Where("job_id = ?", jobID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, errors.New(fmt.Errorf("failed to count quarantine: %w", err)).
			Component("quarantine").
			Category(errors.CategoryDatabase).
			Context("job_id", jobID).
			Build()
	}
	counts := make(map[entities.QuarantineStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}

// Signature hashes the identity of a failure: stage, class, code and message.
func Signature(stage entities.Stage, class errors.Class, code, message string) string {
	h := sha256.New()
	h.Write([]byte(hashDomain))
	for _, part := range []string{string(stage), string(class), code, message} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func recordKey(parts ...string) string {
	return strings.Join(parts, "\x00")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}
