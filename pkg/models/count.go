package models

import "time"

// RecordCount is the running tally of live records for a (connection, environment, model).
type RecordCount struct {
	ConnectionID  int64     `json:"connection_id" db:"connection_id"`
	EnvironmentID int64     `json:"environment_id" db:"environment_id"`
	Model         string    `json:"model" db:"model"`
	Count         int64     `json:"count" db:"count"`
	SizeBytes     int64     `json:"size_bytes" db:"size_bytes"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// CountMetric aggregates counts across environments for usage reporting.
type CountMetric struct {
	Count     int64 `json:"count" db:"count"`
	SizeBytes int64 `json:"size_bytes" db:"size_bytes"`
}

// CountDelta is a signed change applied to a RecordCount row.
type CountDelta struct {
	ConnectionID   int64
	EnvironmentID  int64
	Model          string
	Delta          int64
	DeltaSizeBytes int64
}
