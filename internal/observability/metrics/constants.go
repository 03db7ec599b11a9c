// Package metrics provides constants used across metric definitions.
package metrics

// Database operation constants.
const (
	// OpDbQuery represents database query operations.
	OpDbQuery = "db_query"
	// OpDbInsert represents database insert operations.
	OpDbInsert = "db_insert"
	// OpDbUpdate represents database update operations.
	OpDbUpdate = "db_update"
	// OpDbDelete represents database delete operations.
	OpDbDelete = "db_delete"
	// OpDbRaw represents raw SQL statements.
	OpDbRaw = "db_raw"
)

// Status label values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Histogram bucket configuration constants.
// These define the base values and factors for exponential bucket generation.
const (
	// BucketStart100us is the starting bucket for 0.1ms histograms.
	BucketStart100us = 0.0001
	// BucketStart1ms is the starting bucket for 1ms histograms.
	BucketStart1ms = 0.001
	// BucketStart10ms is the starting bucket for 10ms histograms.
	BucketStart10ms = 0.01

	// BucketFactor2 is the common exponential growth factor of 2 for histogram buckets.
	BucketFactor2 = 2

	// BucketCount15 defines 15 exponential buckets.
	BucketCount15 = 15
)
