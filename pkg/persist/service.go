// Package persist turns raw sync batches into stored records and reports what changed.
package persist

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Ramsey-B/fern/internal/repositories/records"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/format"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

type Type string

const (
	TypeSave   Type = "save"
	TypeDelete Type = "delete"
	TypeUpdate Type = "update"
)

type RecordStore interface {
	Upsert(ctx context.Context, params records.UpsertParams) (*models.UpsertSummary, error)
	Update(ctx context.Context, params records.UpdateParams) (*models.UpsertSummary, error)
}

type EventEmitter interface {
	EmitRecordsChanged(ctx context.Context, event events.RecordsChanged) error
}

// Request is one batch of raw payloads from a sync job.
type Request struct {
	Type          Type                   `validate:"required,oneof=save delete update"`
	ConnectionID  int64                  `validate:"required"`
	EnvironmentID int64                  `validate:"required"`
	SyncID        string                 `validate:"required"`
	SyncJobID     int64                  `validate:"required"`
	Model         string                 `validate:"required"`
	Records       []map[string]any       `validate:"required,min=1"`
	Merging       models.MergingStrategy `validate:"-"`
}

// Result is what a sync job needs to continue.
type Result struct {
	NextMerging models.MergingStrategy `json:"next_merging"`
	Summary     *models.UpsertSummary  `json:"summary"`
}

type Service struct {
	store    RecordStore
	emitter  EventEmitter
	logger   ectologger.Logger
	validate *validator.Validate
	now      func() time.Time
}

func NewService(store RecordStore, emitter EventEmitter, logger ectologger.Logger) *Service {
	return &Service{
		store:    store,
		emitter:  emitter,
		logger:   logger,
		validate: validator.New(),
		now:      time.Now,
	}
}

// BaseModel strips the variant suffix of a model name ("Issue::v2" is "Issue").
func BaseModel(model string) string {
	base, _, _ := strings.Cut(model, "::")
	if base == "" {
		return model
	}
	return base
}

// Persist formats and stores a batch, then records metrics and emits a records.changed event.
func (s *Service) Persist(ctx context.Context, req Request) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "persist.Service.Persist",
		attribute.String("persist_type", string(req.Type)),
		attribute.Int64("connection_id", req.ConnectionID),
		attribute.Int64("environment_id", req.EnvironmentID),
		attribute.String("model", req.Model),
		attribute.Int("records.count", len(req.Records)),
	)
	defer span.End()

	start := s.now()
	log := s.logger.WithContext(ctx).WithFields(map[string]any{
		"persist_type":   req.Type,
		"connection_id":  req.ConnectionID,
		"environment_id": req.EnvironmentID,
		"sync_id":        req.SyncID,
		"sync_job_id":    req.SyncJobID,
		"model":          req.Model,
	})

	if err := s.validate.Struct(req); err != nil {
		return nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "invalid persist request: %v", err)
	}

	formatted, err := format.FormatRecords(format.Params{
		Data:         req.Records,
		ConnectionID: req.ConnectionID,
		Model:        req.Model,
		SyncID:       req.SyncID,
		SyncJobID:    req.SyncJobID,
		SoftDelete:   req.Type == TypeDelete,
		Now:          s.now,
	})
	if err != nil {
		tracing.RecordError(span, err)
		log.WithError(err).Error("There was an issue with the batch")
		return nil, records.AsHTTPError(err)
	}

	var summary *models.UpsertSummary
	switch req.Type {
	case TypeUpdate:
		summary, err = s.store.Update(ctx, records.UpdateParams{
			Records:       formatted,
			ConnectionID:  req.ConnectionID,
			EnvironmentID: req.EnvironmentID,
			Model:         req.Model,
			Merging:       req.Merging,
		})
	default:
		summary, err = s.store.Upsert(ctx, records.UpsertParams{
			Records:       formatted,
			ConnectionID:  req.ConnectionID,
			EnvironmentID: req.EnvironmentID,
			Model:         req.Model,
			SoftDelete:    req.Type == TypeDelete,
			Merging:       req.Merging,
		})
	}

	payloadBytes := payloadSize(req.Records)
	if err != nil {
		tracing.RecordError(span, err)
		metrics.RecordPersist(string(req.Type), "error", payloadBytes, s.now().Sub(start).Seconds())
		log.WithError(err).Errorf("There was an issue with the batch %s", req.Type)
		return nil, records.AsHTTPError(err)
	}

	baseModel := BaseModel(req.Model)
	for _, key := range summary.NonUniqueKeys {
		log.Warnf("Found duplicate key '%s' for model %s. The record was ignored.", key, baseModel)
	}

	modified := len(summary.AddedKeys) + len(summary.UpdatedKeys) + len(summary.DeletedKeys)
	total := modified + len(summary.UnchangedKeys)
	log.WithFields(map[string]any{
		"added":     len(summary.AddedKeys),
		"updated":   len(summary.UpdatedKeys),
		"deleted":   len(summary.DeletedKeys),
		"unchanged": len(summary.UnchangedKeys),
	}).Infof("Successfully batch %sd %d record(s) (%d modified) for model %s", req.Type, total, modified, baseModel)

	metrics.RecordPersisted(baseModel, len(summary.AddedKeys), len(summary.UpdatedKeys), len(summary.DeletedKeys), len(summary.UnchangedKeys))
	metrics.RecordBillable(strconv.FormatInt(req.EnvironmentID, 10), baseModel, len(summary.ActivatedKeys))
	metrics.RecordPersist(string(req.Type), "success", payloadBytes, s.now().Sub(start).Seconds())
	span.SetAttributes(
		attribute.Int("records.in.sizeInBytes", payloadBytes),
		attribute.Int("records.modified.count", modified),
	)

	if s.emitter != nil {
		// the batch is committed, a failed notification does not fail the call
		if err := s.emitter.EmitRecordsChanged(ctx, events.RecordsChanged{
			ConnectionID:  req.ConnectionID,
			EnvironmentID: req.EnvironmentID,
			Model:         req.Model,
			SyncID:        req.SyncID,
			SyncJobID:     req.SyncJobID,
			AddedKeys:     summary.AddedKeys,
			UpdatedKeys:   summary.UpdatedKeys,
			DeletedKeys:   summary.DeletedKeys,
		}); err != nil {
			log.WithError(err).Warn("Failed to publish records.changed event")
		}
	}

	return &Result{NextMerging: summary.NextMerging, Summary: summary}, nil
}

func payloadSize(data []map[string]any) int {
	raw, err := json.Marshal(data)
	if err != nil {
		return 0
	}
	return len(raw)
}
