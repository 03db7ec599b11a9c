// Package entities defines the GORM models of the migration engine.
//
// Tables are prefixed "migration_" except target_records, which belongs to
// the reference record store. Partial uniqueness ("unique while committed",
// "unique while active") is expressed with nullable shadow columns that carry
// a unique index and a CHECK tying them to the row status, so the same
// schema works on SQLite and MySQL.
package entities

// All returns every model for AutoMigrate, in dependency order.
func All() []any {
	return []any{
		&MigrationJob{},
		&Checkpoint{},
		&Lineage{},
		&Conflict{},
		&ConflictResolution{},
		&MergeExplanation{},
		&QuarantineEntry{},
		&RowSnapshot{},
		&SnapshotWrite{},
		&TargetRecord{},
	}
}
