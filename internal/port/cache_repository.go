package port

import "context"

type CacheRepository interface {
	// ClaimRequest reserves an idempotency key. When the key is already held it
	// returns claimed=false and the item ID recorded for it (empty while the
	// first request is still in flight).
	ClaimRequest(ctx context.Context, key string) (itemID string, claimed bool, err error)

	// CompleteRequest records the item created under key so replays can return it
	CompleteRequest(ctx context.Context, key, itemID string) error

	// ReleaseRequest drops a claim after a failed attempt so the client may retry
	ReleaseRequest(ctx context.Context, key string) error
}
