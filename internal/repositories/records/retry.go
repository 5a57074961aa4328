package records

import (
	"context"
	"fmt"

	"github.com/sethvargo/go-retry"

	"github.com/Ramsey-B/fern/pkg/database"
)

const savepoint = "fern_chunk"

// withStatementRetry runs fn behind a savepoint and retries it on deadlocks and serialization
// failures. Rolling back to the savepoint keeps the work of earlier statements in tx.
func (r *Repository) withStatementRetry(ctx context.Context, tx database.Tx, fn func(ctx context.Context) error) error {
	attempts := r.cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := retry.WithMaxRetries(uint64(attempts-1), retry.NewConstant(r.cfg.RetryDelay))

	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if _, err := tx.ExecContext(ctx, "SAVEPOINT "+savepoint); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+savepoint); err != nil {
				return err
			}
			return nil
		}

		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+savepoint); rbErr != nil {
			return fmt.Errorf("%w (rollback to savepoint failed: %v)", err, rbErr)
		}

		if database.IsRetryable(err) {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"attempt":    attempt,
				"error_code": database.ErrorCode(err),
			}).Warn("Retrying records statement")
			return retry.RetryableError(err)
		}
		return err
	})
}
