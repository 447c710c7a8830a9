package state

import "context"

// Store is the durable key-value store backing the wallet ledger, order
// bookkeeping and the operator audit trail.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}
