// Package events publishes record lifecycle changes for downstream consumers
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/tracing"
)

// SchemaVersion is the current event schema version
const SchemaVersion = "1.0"

const (
	TypeRecordsChanged = "records.changed"
	TypeRecordsDeleted = "records.deleted"
)

// Publisher is satisfied by *kafka.Producer.
type Publisher interface {
	PublishJSON(ctx context.Context, key string, headers map[string]string, payload any) error
}

// RecordsChanged is emitted after every successful persist call
type RecordsChanged struct {
	SchemaVersion string    `json:"schema_version"`
	Type          string    `json:"type"`
	ConnectionID  int64     `json:"connection_id"`
	EnvironmentID int64     `json:"environment_id"`
	Model         string    `json:"model"`
	SyncID        string    `json:"sync_id,omitempty"`
	SyncJobID     int64     `json:"sync_job_id,omitempty"`
	AddedKeys     []string  `json:"added_keys"`
	UpdatedKeys   []string  `json:"updated_keys"`
	DeletedKeys   []string  `json:"deleted_keys"`
	Timestamp     time.Time `json:"timestamp"`
}

// RecordsDeleted is emitted by sweeps, purges and the janitor
type RecordsDeleted struct {
	SchemaVersion string    `json:"schema_version"`
	Type          string    `json:"type"`
	ConnectionID  int64     `json:"connection_id"`
	EnvironmentID int64     `json:"environment_id"`
	Model         string    `json:"model"`
	Source        string    `json:"source"`
	Mode          string    `json:"mode"`
	Count         int64     `json:"count"`
	DeletedKeys   []string  `json:"deleted_keys,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Emitter handles event emission for fern. A nil publisher disables emission.
type Emitter struct {
	publisher Publisher
	logger    ectologger.Logger
	now       func() time.Time
}

// NewEmitter creates a new event emitter
func NewEmitter(publisher Publisher, logger ectologger.Logger) *Emitter {
	return &Emitter{
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// Enabled reports whether events are published anywhere
func (e *Emitter) Enabled() bool {
	return e != nil && e.publisher != nil
}

func key(connectionID int64, model string) string {
	return fmt.Sprintf("%d:%s", connectionID, model)
}

// EmitRecordsChanged emits a records.changed event. Calls with no changed keys are skipped.
func (e *Emitter) EmitRecordsChanged(ctx context.Context, event RecordsChanged) error {
	if !e.Enabled() {
		return nil
	}
	if len(event.AddedKeys)+len(event.UpdatedKeys)+len(event.DeletedKeys) == 0 {
		return nil
	}

	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitRecordsChanged")
	defer span.End()

	event.SchemaVersion = SchemaVersion
	event.Type = TypeRecordsChanged
	if event.Timestamp.IsZero() {
		event.Timestamp = e.now().UTC()
	}

	headers := map[string]string{
		"type":  TypeRecordsChanged,
		"model": event.Model,
	}
	if err := e.publisher.PublishJSON(ctx, key(event.ConnectionID, event.Model), headers, event); err != nil {
		tracing.RecordError(span, err)
		e.logger.WithContext(ctx).WithError(err).Error("Failed to emit records.changed event")
		return err
	}

	return nil
}

// EmitRecordsDeleted emits a records.deleted event. Calls with a zero count are skipped.
func (e *Emitter) EmitRecordsDeleted(ctx context.Context, event RecordsDeleted) error {
	if !e.Enabled() || event.Count == 0 {
		return nil
	}

	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitRecordsDeleted")
	defer span.End()

	event.SchemaVersion = SchemaVersion
	event.Type = TypeRecordsDeleted
	if event.Timestamp.IsZero() {
		event.Timestamp = e.now().UTC()
	}

	headers := map[string]string{
		"type":   TypeRecordsDeleted,
		"model":  event.Model,
		"source": event.Source,
	}
	if err := e.publisher.PublishJSON(ctx, key(event.ConnectionID, event.Model), headers, event); err != nil {
		tracing.RecordError(span, err)
		e.logger.WithContext(ctx).WithError(err).Error("Failed to emit records.deleted event")
		return err
	}

	return nil
}
