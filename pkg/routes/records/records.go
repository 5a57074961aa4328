package records

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/internal/repositories/records"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/persist"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/utils"
)

const (
	ParamSyncID    = "syncId"
	ParamSyncJobID = "syncJobId"

	DefaultPurgeLimit = 5000
)

// Store is satisfied by *records.Repository.
type Store interface {
	GetRecords(ctx context.Context, params records.GetRecordsParams) (*models.GetRecordsResponse, error)
	GetCursor(ctx context.Context, connectionID int64, model, offset string) (string, error)
	MarkPreviousGenerationRecordsAsDeleted(ctx context.Context, params records.SweepParams) ([]string, error)
	DeleteRecordsBySyncID(ctx context.Context, params records.PurgeParams) (int64, error)
	DeleteRecords(ctx context.Context, params records.DeleteParams) (*records.DeleteResult, error)
}

// CountStore is satisfied by *recordcount.Repository.
type CountStore interface {
	GetRecordCountsByModel(ctx context.Context, connectionID, environmentID int64) (map[string]models.RecordCount, error)
	CountMetric(ctx context.Context, environmentIDs []int64) (*models.CountMetric, error)
}

type Persister interface {
	Persist(ctx context.Context, req persist.Request) (*persist.Result, error)
}

type EventEmitter interface {
	EmitRecordsDeleted(ctx context.Context, event events.RecordsDeleted) error
}

// Handler serves the records API
type Handler struct {
	store     Store
	counts    CountStore
	persister Persister
	emitter   EventEmitter
	logger    ectologger.Logger
}

// NewHandler creates a records handler. A nil emitter disables delete events.
func NewHandler(store Store, counts CountStore, persister Persister, emitter EventEmitter, logger ectologger.Logger) *Handler {
	return &Handler{
		store:     store,
		counts:    counts,
		persister: persister,
		emitter:   emitter,
		logger:    logger,
	}
}

// Register registers the records routes on the /api/v1 group
func (h *Handler) Register(g *echo.Group) {
	g.GET("/connections/:connectionId/records", h.GetRecords)
	g.GET("/connections/:connectionId/records/cursor", h.GetCursor)
	g.GET("/usage", h.GetUsage)

	env := g.Group("/environments/:environmentId/connections/:connectionId")
	env.GET("/counts", h.GetRecordCounts)
	env.POST("/sync/:syncId/job/:syncJobId/records", h.persist(persist.TypeSave))
	env.PUT("/sync/:syncId/job/:syncJobId/records", h.persist(persist.TypeUpdate))
	env.DELETE("/sync/:syncId/job/:syncJobId/records", h.persist(persist.TypeDelete))
	env.POST("/sweep", h.Sweep)
	env.DELETE("/syncs/:syncId/records", h.PurgeSync)
	env.DELETE("/records", h.DeleteRecords)
}

// GetRecords handles GET /connections/:connectionId/records
func (h *Handler) GetRecords(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "RecordsHandler.GetRecords")
	defer span.End()

	connectionID, err := utils.PathInt64(c, middleware.ParamConnectionID)
	if err != nil {
		return err
	}

	params := records.GetRecordsParams{
		ConnectionID:  connectionID,
		Model:         c.QueryParam("model"),
		ModifiedAfter: c.QueryParam("modified_after"),
		Limit:         c.QueryParam("limit"),
		Filter:        c.QueryParam("filter"),
		Cursor:        c.QueryParam("cursor"),
		ExternalIDs:   externalIDs(c),
	}

	page, err := h.store.GetRecords(ctx, params)
	if err != nil {
		tracing.RecordError(span, err)
		return records.AsHTTPError(err)
	}

	return c.JSON(http.StatusOK, page)
}

// externalIDs accepts ids=a,b and repeated ids params. An ids param with no values
// is an empty, non-nil filter.
func externalIDs(c echo.Context) []string {
	values, ok := c.QueryParams()["ids"]
	if !ok {
		return nil
	}

	ids := []string{}
	for _, value := range values {
		for _, id := range strings.Split(value, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

type CursorResponse struct {
	Cursor string `json:"cursor"`
}

// GetCursor handles GET /connections/:connectionId/records/cursor
func (h *Handler) GetCursor(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "RecordsHandler.GetCursor")
	defer span.End()

	connectionID, err := utils.PathInt64(c, middleware.ParamConnectionID)
	if err != nil {
		return err
	}

	offset := c.QueryParam("offset")
	if offset == "" {
		offset = records.OffsetLast
	}

	value, err := h.store.GetCursor(ctx, connectionID, c.QueryParam("model"), offset)
	if err != nil {
		tracing.RecordError(span, err)
		return records.AsHTTPError(err)
	}

	return c.JSON(http.StatusOK, CursorResponse{Cursor: value})
}

// GetRecordCounts handles GET /environments/:environmentId/connections/:connectionId/counts
func (h *Handler) GetRecordCounts(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "RecordsHandler.GetRecordCounts")
	defer span.End()

	environmentID, connectionID, err := tenant(c)
	if err != nil {
		return err
	}

	counts, err := h.counts.GetRecordCountsByModel(ctx, connectionID, environmentID)
	if err != nil {
		tracing.RecordError(span, err)
		return err
	}

	return c.JSON(http.StatusOK, counts)
}

// GetUsage handles GET /usage?environment_ids=7,8. No ids sums every environment.
func (h *Handler) GetUsage(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "RecordsHandler.GetUsage")
	defer span.End()

	environmentIDs, err := utils.QueryInt64List(c, "environment_ids")
	if err != nil {
		return err
	}

	metric, err := h.counts.CountMetric(ctx, environmentIDs)
	if err != nil {
		tracing.RecordError(span, err)
		return err
	}

	return c.JSON(http.StatusOK, metric)
}

// PersistRequest is the body of the save, update and delete routes
type PersistRequest struct {
	Model   string                 `json:"model" validate:"required"`
	Records []map[string]any       `json:"records" validate:"required,min=1"`
	Merging models.MergingStrategy `json:"merging"`
}

func (h *Handler) persist(persistType persist.Type) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, span := tracing.StartSpan(c.Request().Context(), "RecordsHandler.Persist")
		defer span.End()

		environmentID, connectionID, err := tenant(c)
		if err != nil {
			return err
		}
		syncJobID, err := utils.PathInt64(c, ParamSyncJobID)
		if err != nil {
			return err
		}

		body, err := utils.BindRequest[PersistRequest](c)
		if err != nil {
			return err
		}

		result, err := h.persister.Persist(ctx, persist.Request{
			Type:          persistType,
			ConnectionID:  connectionID,
			EnvironmentID: environmentID,
			SyncID:        c.Param(ParamSyncID),
			SyncJobID:     syncJobID,
			Model:         body.Model,
			Records:       body.Records,
			Merging:       body.Merging,
		})
		if err != nil {
			tracing.RecordError(span, err)
			return err
		}

		return c.JSON(http.StatusOK, result)
	}
}

type SweepRequest struct {
	Model      string `json:"model" validate:"required"`
	SyncID     string `json:"sync_id" validate:"required"`
	Generation int64  `json:"generation" validate:"required,min=1"`
	BatchSize  int    `json:"batch_size" validate:"omitempty,min=1"`
}

type SweepResponse struct {
	DeletedKeys []string `json:"deleted_keys"`
}

// Sweep handles POST /environments/:environmentId/connections/:connectionId/sweep
func (h *Handler) Sweep(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "RecordsHandler.Sweep")
	defer span.End()

	environmentID, connectionID, err := tenant(c)
	if err != nil {
		return err
	}

	body, err := utils.BindRequest[SweepRequest](c)
	if err != nil {
		return err
	}

	deleted, err := h.store.MarkPreviousGenerationRecordsAsDeleted(ctx, records.SweepParams{
		ConnectionID:  connectionID,
		EnvironmentID: environmentID,
		Model:         body.Model,
		SyncID:        body.SyncID,
		Generation:    body.Generation,
		BatchSize:     body.BatchSize,
	})
	if err != nil {
		tracing.RecordError(span, err)
		return records.AsHTTPError(err)
	}

	metrics.RecordDeleted("sweep", string(records.DeleteModeSoft), int64(len(deleted)))
	h.emitDeleted(ctx, events.RecordsDeleted{
		ConnectionID:  connectionID,
		EnvironmentID: environmentID,
		Model:         body.Model,
		Source:        "sweep",
		Mode:          string(records.DeleteModeSoft),
		Count:         int64(len(deleted)),
		DeletedKeys:   deleted,
	})

	return c.JSON(http.StatusOK, SweepResponse{DeletedKeys: deleted})
}

type CountResponse struct {
	Count      int64  `json:"count"`
	LastCursor string `json:"last_cursor,omitempty"`
}

// PurgeSync handles DELETE /environments/:environmentId/connections/:connectionId/syncs/:syncId/records
func (h *Handler) PurgeSync(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "RecordsHandler.PurgeSync")
	defer span.End()

	environmentID, connectionID, err := tenant(c)
	if err != nil {
		return err
	}
	limit, err := utils.QueryInt(c, "limit", DefaultPurgeLimit)
	if err != nil {
		return err
	}
	model := c.QueryParam("model")

	count, err := h.store.DeleteRecordsBySyncID(ctx, records.PurgeParams{
		ConnectionID:  connectionID,
		EnvironmentID: environmentID,
		Model:         model,
		SyncID:        c.Param(ParamSyncID),
		Limit:         limit,
	})
	if err != nil {
		tracing.RecordError(span, err)
		return records.AsHTTPError(err)
	}

	metrics.RecordDeleted("purge", string(records.DeleteModeHard), count)
	h.emitDeleted(ctx, events.RecordsDeleted{
		ConnectionID:  connectionID,
		EnvironmentID: environmentID,
		Model:         model,
		Source:        "purge",
		Mode:          string(records.DeleteModeHard),
		Count:         count,
	})

	return c.JSON(http.StatusOK, CountResponse{Count: count})
}

// DeleteRecords handles DELETE /environments/:environmentId/connections/:connectionId/records
func (h *Handler) DeleteRecords(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "RecordsHandler.DeleteRecords")
	defer span.End()

	environmentID, connectionID, err := tenant(c)
	if err != nil {
		return err
	}

	params := records.DeleteParams{
		ConnectionID:     connectionID,
		EnvironmentID:    environmentID,
		Model:            c.QueryParam("model"),
		Mode:             records.DeleteMode(c.QueryParam("mode")),
		ToCursorIncluded: c.QueryParam("to_cursor"),
	}
	if params.Mode == "" {
		params.Mode = records.DeleteModeHard
	}
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return httperror.NewHTTPError(http.StatusBadRequest, records.ErrInvalidLimit.Error())
		}
		params.Limit = &limit
	}
	if raw := c.QueryParam("dry_run"); raw != "" {
		dryRun, err := strconv.ParseBool(raw)
		if err != nil {
			return httperror.NewHTTPError(http.StatusBadRequest, "invalid_dry_run")
		}
		params.DryRun = dryRun
	}

	result, err := h.store.DeleteRecords(ctx, params)
	if err != nil {
		tracing.RecordError(span, err)
		return records.AsHTTPError(err)
	}

	if !params.DryRun {
		metrics.RecordDeleted("api", string(params.Mode), result.Count)
		h.emitDeleted(ctx, events.RecordsDeleted{
			ConnectionID:  connectionID,
			EnvironmentID: environmentID,
			Model:         params.Model,
			Source:        "api",
			Mode:          string(params.Mode),
			Count:         result.Count,
		})
	}

	return c.JSON(http.StatusOK, CountResponse{Count: result.Count, LastCursor: result.LastCursor})
}

func (h *Handler) emitDeleted(ctx context.Context, event events.RecordsDeleted) {
	if h.emitter == nil {
		return
	}
	if err := h.emitter.EmitRecordsDeleted(ctx, event); err != nil {
		h.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"connection_id":  event.ConnectionID,
			"environment_id": event.EnvironmentID,
			"model":          event.Model,
			"source":         event.Source,
		}).Warn("Failed to publish records.deleted event")
	}
}

func tenant(c echo.Context) (environmentID, connectionID int64, err error) {
	environmentID, err = utils.PathInt64(c, middleware.ParamEnvironmentID)
	if err != nil {
		return 0, 0, err
	}
	connectionID, err = utils.PathInt64(c, middleware.ParamConnectionID)
	if err != nil {
		return 0, 0, err
	}
	return environmentID, connectionID, nil
}
