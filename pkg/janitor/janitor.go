// Package janitor prunes and deletes stale records in the background.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Ramsey-B/fern/internal/repositories/records"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var (
	// ErrJanitorAlreadyRunning is returned when Start is called twice
	ErrJanitorAlreadyRunning = errors.New("janitor already running")
)

const (
	TaskPrune  = "prune"
	TaskDelete = "delete"

	// Source is the records.deleted event source for janitor deletes
	Source = "janitor"

	DefaultPruneInterval    = time.Minute
	DefaultDeleteInterval   = 5 * time.Minute
	DefaultPruneStaleAfter  = 15 * 24 * time.Hour
	DefaultDeleteStaleAfter = 30 * 24 * time.Hour
	DefaultPruneLimit       = 10000
	DefaultClaimTTL         = 5 * time.Minute
)

// Store is satisfied by *records.Repository.
type Store interface {
	AutoPruningCandidate(ctx context.Context, staleAfter time.Duration) (*records.PruningCandidate, error)
	AutoDeletingCandidate(ctx context.Context, staleAfter time.Duration) (*records.DeletingCandidate, error)
	DeleteRecords(ctx context.Context, params records.DeleteParams) (*records.DeleteResult, error)
}

// Claimer hands out exclusive claims on a name. *redis.Locker satisfies it.
type Claimer interface {
	Claim(ctx context.Context, name string, ttl time.Duration) (release func(context.Context) error, acquired bool, err error)
}

type EventEmitter interface {
	EmitRecordsDeleted(ctx context.Context, event events.RecordsDeleted) error
}

type Config struct {
	PruneEnabled     bool
	PruneInterval    time.Duration
	PruneStaleAfter  time.Duration
	PruneLimit       int
	DeleteEnabled    bool
	DeleteInterval   time.Duration
	DeleteStaleAfter time.Duration
	// DeleteLimit caps rows per auto-delete pass. Zero means no cap.
	DeleteLimit int
	BatchSize   int
	ClaimTTL    time.Duration
	DryRun      bool
}

func DefaultConfig() Config {
	return Config{
		PruneEnabled:     true,
		PruneInterval:    DefaultPruneInterval,
		PruneStaleAfter:  DefaultPruneStaleAfter,
		PruneLimit:       DefaultPruneLimit,
		DeleteEnabled:    true,
		DeleteInterval:   DefaultDeleteInterval,
		DeleteStaleAfter: DefaultDeleteStaleAfter,
		ClaimTTL:         DefaultClaimTTL,
	}
}

func (c Config) withDefaults() Config {
	if c.PruneInterval <= 0 {
		c.PruneInterval = DefaultPruneInterval
	}
	if c.DeleteInterval <= 0 {
		c.DeleteInterval = DefaultDeleteInterval
	}
	if c.PruneStaleAfter <= 0 {
		c.PruneStaleAfter = DefaultPruneStaleAfter
	}
	if c.DeleteStaleAfter <= 0 {
		c.DeleteStaleAfter = DefaultDeleteStaleAfter
	}
	if c.PruneLimit <= 0 {
		c.PruneLimit = DefaultPruneLimit
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = DefaultClaimTTL
	}
	return c
}

// Outcome describes one pass of a task
type Outcome struct {
	Task         string
	ConnectionID int64
	Model        string
	Count        int64
	// Skipped is set when there was no candidate or another replica held the claim.
	Skipped bool
}

// Janitor runs the auto-prune and auto-delete loops
type Janitor struct {
	store   Store
	claimer Claimer
	emitter EventEmitter
	config  Config
	logger  ectologger.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// New creates a janitor. A nil claimer works candidates without a distributed claim,
// a nil emitter disables events.
func New(store Store, claimer Claimer, emitter EventEmitter, config Config, logger ectologger.Logger) *Janitor {
	return &Janitor{
		store:   store,
		claimer: claimer,
		emitter: emitter,
		config:  config.withDefaults(),
		logger:  logger,
	}
}

// Start launches the enabled loops. They stop on Stop or when ctx is cancelled.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return ErrJanitorAlreadyRunning
	}
	j.running = true
	j.stopCh = make(chan struct{})

	j.logger.WithContext(ctx).WithFields(map[string]any{
		"prune_enabled":   j.config.PruneEnabled,
		"prune_interval":  j.config.PruneInterval.String(),
		"delete_enabled":  j.config.DeleteEnabled,
		"delete_interval": j.config.DeleteInterval.String(),
		"dry_run":         j.config.DryRun,
	}).Info("Starting janitor")

	if j.config.PruneEnabled {
		j.wg.Add(1)
		go j.loop(ctx, TaskPrune, j.config.PruneInterval, j.Prune)
	}
	if j.config.DeleteEnabled {
		j.wg.Add(1)
		go j.loop(ctx, TaskDelete, j.config.DeleteInterval, j.Delete)
	}
	return nil
}

// Stop signals the loops and waits for the current passes to finish, or for ctx.
func (j *Janitor) Stop(ctx context.Context) error {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return nil
	}
	j.running = false
	close(j.stopCh)
	j.mu.Unlock()

	done := make(chan struct{})
	go func() {
		j.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		j.logger.WithContext(ctx).Info("Janitor stopped")
		return nil
	case <-ctx.Done():
		j.logger.WithContext(ctx).Warn("Janitor shutdown timed out")
		return ctx.Err()
	}
}

// Run blocks running the loops until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	if err := j.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	return j.Stop(stopCtx)
}

func (j *Janitor) loop(ctx context.Context, task string, interval time.Duration, pass func(context.Context) (*Outcome, error)) {
	defer j.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stopCh:
			j.logger.WithContext(ctx).Debugf("Janitor %s loop stopping", task)
			return
		case <-ctx.Done():
			j.logger.WithContext(ctx).Debugf("Janitor %s loop stopping", task)
			return
		case <-ticker.C:
			// errors are logged and counted inside the pass
			_, _ = pass(ctx)
		}
	}
}

// Prune runs one auto-prune pass: pick a stale unpruned record and prune its
// (connection, model) up to and including that record.
func (j *Janitor) Prune(ctx context.Context) (*Outcome, error) {
	ctx, span := tracing.StartSpan(ctx, "janitor.Janitor.Prune")
	defer span.End()

	outcome := &Outcome{Task: TaskPrune}
	candidate, err := j.store.AutoPruningCandidate(ctx, j.config.PruneStaleAfter)
	if err != nil {
		return nil, j.fail(ctx, span, TaskPrune, err)
	}
	if candidate == nil {
		outcome.Skipped = true
		metrics.RecordJanitorRun(TaskPrune, "idle")
		return outcome, nil
	}
	outcome.ConnectionID = candidate.ConnectionID
	outcome.Model = candidate.Model
	span.SetAttributes(
		attribute.Int64("connection_id", candidate.ConnectionID),
		attribute.String("model", candidate.Model),
		attribute.Int("partition", candidate.Partition),
	)

	limit := j.config.PruneLimit
	params := records.DeleteParams{
		ConnectionID:     candidate.ConnectionID,
		EnvironmentID:    candidate.EnvironmentID,
		Model:            candidate.Model,
		Mode:             records.DeleteModePrune,
		Limit:            &limit,
		ToCursorIncluded: candidate.Cursor,
		BatchSize:        j.config.BatchSize,
		DryRun:           j.config.DryRun,
	}
	return j.work(ctx, span, outcome, candidate.EnvironmentID, params)
}

// Delete runs one auto-delete pass: pick a (connection, model) whose count has not
// moved in DeleteStaleAfter and hard delete its records.
func (j *Janitor) Delete(ctx context.Context) (*Outcome, error) {
	ctx, span := tracing.StartSpan(ctx, "janitor.Janitor.Delete")
	defer span.End()

	outcome := &Outcome{Task: TaskDelete}
	candidate, err := j.store.AutoDeletingCandidate(ctx, j.config.DeleteStaleAfter)
	if err != nil {
		return nil, j.fail(ctx, span, TaskDelete, err)
	}
	if candidate == nil {
		outcome.Skipped = true
		metrics.RecordJanitorRun(TaskDelete, "idle")
		return outcome, nil
	}
	outcome.ConnectionID = candidate.ConnectionID
	outcome.Model = candidate.Model
	span.SetAttributes(
		attribute.Int64("connection_id", candidate.ConnectionID),
		attribute.String("model", candidate.Model),
	)

	params := records.DeleteParams{
		ConnectionID:  candidate.ConnectionID,
		EnvironmentID: candidate.EnvironmentID,
		Model:         candidate.Model,
		Mode:          records.DeleteModeHard,
		BatchSize:     j.config.BatchSize,
		DryRun:        j.config.DryRun,
	}
	if j.config.DeleteLimit > 0 {
		limit := j.config.DeleteLimit
		params.Limit = &limit
	}
	return j.work(ctx, span, outcome, candidate.EnvironmentID, params)
}

func (j *Janitor) work(ctx context.Context, span trace.Span, outcome *Outcome, environmentID int64, params records.DeleteParams) (*Outcome, error) {
	fields := map[string]any{
		"task":           outcome.Task,
		"connection_id":  params.ConnectionID,
		"environment_id": environmentID,
		"model":          params.Model,
		"dry_run":        params.DryRun,
	}

	if j.claimer != nil {
		release, acquired, err := j.claimer.Claim(ctx, claimName(outcome.Task, params.ConnectionID, params.Model), j.config.ClaimTTL)
		if err != nil {
			return nil, j.fail(ctx, span, outcome.Task, err)
		}
		if !acquired {
			j.logger.WithContext(ctx).WithFields(fields).Debug("Candidate claimed by another replica")
			outcome.Skipped = true
			metrics.RecordJanitorRun(outcome.Task, "skipped")
			return outcome, nil
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				j.logger.WithContext(ctx).WithError(err).WithFields(fields).Warn("Failed to release janitor claim")
			}
		}()
	}

	result, err := j.store.DeleteRecords(ctx, params)
	if err != nil {
		return nil, j.fail(ctx, span, outcome.Task, err)
	}
	outcome.Count = result.Count

	fields["count"] = result.Count
	j.logger.WithContext(ctx).WithFields(fields).Info("Janitor pass completed")
	metrics.RecordJanitorRun(outcome.Task, "success")

	if params.DryRun {
		return outcome, nil
	}
	metrics.RecordDeleted(Source, string(params.Mode), result.Count)

	if j.emitter != nil {
		event := events.RecordsDeleted{
			ConnectionID:  params.ConnectionID,
			EnvironmentID: environmentID,
			Model:         params.Model,
			Source:        Source,
			Mode:          string(params.Mode),
			Count:         result.Count,
		}
		if err := j.emitter.EmitRecordsDeleted(ctx, event); err != nil {
			j.logger.WithContext(ctx).WithError(err).WithFields(fields).Warn("Failed to emit janitor delete event")
		}
	}
	return outcome, nil
}

func (j *Janitor) fail(ctx context.Context, span trace.Span, task string, err error) error {
	tracing.RecordError(span, err)
	metrics.RecordJanitorRun(task, "error")
	j.logger.WithContext(ctx).WithError(err).Errorf("Janitor %s pass failed", task)
	return err
}

func claimName(task string, connectionID int64, model string) string {
	return fmt.Sprintf("%s:%d:%s", task, connectionID, model)
}
