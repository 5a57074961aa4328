package database

import (
	"context"
	"hash/fnv"
)

// LockKey derives the advisory lock key for a (connection, model) pair:
// the connection id in the high 32 bits and the unsigned 32-bit hash of the model in the low bits.
func LockKey(connectionID int64, model string) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(model))
	return int64(uint64(connectionID)<<32 | uint64(h.Sum32()))
}

// AdvisoryXactLock blocks until the transaction holds the advisory lock for key.
// The lock is released when the transaction ends.
func AdvisoryXactLock(ctx context.Context, tx Tx, key int64) error {
	_, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", key)
	return err
}
