package records

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/internal/repositories/recordcount"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/encryption"
	"github.com/Ramsey-B/fern/pkg/models"
)

const (
	table = "records"
	// PartitionCount is the number of hash partitions records_p0..records_pN-1.
	PartitionCount = 16
)

// Config tunes batch sizes and the deadlock retry policy.
type Config struct {
	BatchSize      int
	MaxAttempts    int
	RetryDelay     time.Duration
	ReadTimeout    time.Duration
	DefaultLimit   int
	MaxLimit       int
	SweepBatchSize int
	PurgeBatchSize int
}

func DefaultConfig() Config {
	return Config{
		BatchSize:      1000,
		MaxAttempts:    3,
		RetryDelay:     500 * time.Millisecond,
		ReadTimeout:    60 * time.Second,
		DefaultLimit:   100,
		MaxLimit:       10000,
		SweepBatchSize: 5000,
		PurgeBatchSize: 5000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = d.DefaultLimit
	}
	if c.MaxLimit <= 0 {
		c.MaxLimit = d.MaxLimit
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = d.SweepBatchSize
	}
	if c.PurgeBatchSize <= 0 {
		c.PurgeBatchSize = d.PurgeBatchSize
	}
	return c
}

// Repository owns every mutation of the records table. Writes for one (connection, model)
// are serialized by a transaction-scoped advisory lock; reads go to readDB.
type Repository struct {
	db        database.DB
	readDB    database.DB
	counts    *recordcount.Repository
	encryptor encryption.Encryptor
	logger    ectologger.Logger
	cfg       Config
	now       func() time.Time
}

// NewRepository creates a records repository. readDB may be nil to read from db,
// and a nil encryptor stores payloads as given.
func NewRepository(db database.DB, readDB database.DB, counts *recordcount.Repository, encryptor encryption.Encryptor, logger ectologger.Logger, cfg Config) *Repository {
	if readDB == nil {
		readDB = db
	}
	if encryptor == nil {
		encryptor = encryption.Noop{}
	}
	return &Repository{
		db:        db,
		readDB:    readDB,
		counts:    counts,
		encryptor: encryptor,
		logger:    logger,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
	}
}

func logFields(connectionID int64, model string) map[string]any {
	return map[string]any{
		"connection_id": connectionID,
		"model":         model,
	}
}

// lock takes the advisory lock of a (connection, model) for the rest of tx.
func (r *Repository) lock(ctx context.Context, tx database.Tx, connectionID int64, model string) error {
	if err := database.AdvisoryXactLock(ctx, tx, database.LockKey(connectionID, model)); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(logFields(connectionID, model)).Error("Failed to acquire records lock")
		return fmt.Errorf("failed to acquire records lock: %w", err)
	}
	return nil
}

// chunks splits records into slices of at most size.
func chunks(records []models.FormattedRecord, size int) [][]models.FormattedRecord {
	out := make([][]models.FormattedRecord, 0, (len(records)+size-1)/size)
	for start := 0; start < len(records); start += size {
		end := min(start+size, len(records))
		out = append(out, records[start:end])
	}
	return out
}

func externalIDs(records []models.FormattedRecord) []string {
	ids := make([]string, len(records))
	for i, record := range records {
		ids[i] = record.ExternalID
	}
	return ids
}

func (r *Repository) encrypt(records []models.FormattedRecord) ([]models.FormattedRecord, error) {
	out := make([]models.FormattedRecord, len(records))
	for i, record := range records {
		sealed, err := r.encryptor.Encrypt(record.JSON)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt record %s: %w", record.ExternalID, err)
		}
		record.JSON = sealed
		out[i] = record
	}
	return out, nil
}
