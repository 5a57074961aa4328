package models

import (
	"encoding/json"
	"time"
)

// FormattedRecord is a record ready to be written to the records table.
// JSON always holds the decrypted payload; encryption happens at write time.
type FormattedRecord struct {
	ID           string          `json:"id" db:"id"`
	ExternalID   string          `json:"external_id" db:"external_id"`
	ConnectionID int64           `json:"connection_id" db:"connection_id"`
	Model        string          `json:"model" db:"model"`
	JSON         json.RawMessage `json:"json" db:"json"`
	DataHash     string          `json:"data_hash" db:"data_hash"`
	SyncID       string          `json:"sync_id" db:"sync_id"`
	SyncJobID    int64           `json:"sync_job_id" db:"sync_job_id"`
	CreatedAt    *time.Time      `json:"created_at,omitempty" db:"created_at"`
	UpdatedAt    *time.Time      `json:"updated_at,omitempty" db:"updated_at"`
	DeletedAt    *time.Time      `json:"deleted_at,omitempty" db:"deleted_at"`
	PrunedAt     *time.Time      `json:"pruned_at,omitempty" db:"pruned_at"`
}

// LastAction is the change type of a record as seen by consumers.
type LastAction string

const (
	LastActionAdded   LastAction = "ADDED"
	LastActionUpdated LastAction = "UPDATED"
	LastActionDeleted LastAction = "DELETED"
)

// RecordMetadata is attached to every record returned by the read API.
type RecordMetadata struct {
	FirstSeenAt    time.Time  `json:"first_seen_at"`
	LastModifiedAt time.Time  `json:"last_modified_at"`
	LastAction     LastAction `json:"last_action"`
	DeletedAt      *time.Time `json:"deleted_at"`
	PrunedAt       *time.Time `json:"pruned_at"`
	Cursor         string     `json:"cursor"`
}

// ReturnedRecord is the decrypted payload with its id forced to the external id
// and the metadata stored under MetadataKey.
type ReturnedRecord map[string]any

const MetadataKey = "_metadata"

// GetRecordsResponse is one page of records.
type GetRecordsResponse struct {
	Records    []ReturnedRecord `json:"records"`
	NextCursor *string          `json:"next_cursor"`
}
