package lineage

import "github.com/tphakala/recordmigrate/internal/errors"

// Sentinel errors for lineage operations. ErrReservationLost lives in the
// errors package because it is part of the retry taxonomy.
var (
	// ErrTargetClaimed indicates another legacy record already maps to the target entity.
	ErrTargetClaimed = errors.NewStd("target entity already claimed by another legacy record")

	// ErrDedupeConflict indicates a committed row already carries the dedupe key.
	ErrDedupeConflict = errors.NewStd("dedupe key already committed")

	// ErrNotFound indicates the lineage row does not exist.
	ErrNotFound = errors.NewStd("lineage row not found")
)
