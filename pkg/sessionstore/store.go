package sessionstore

import (
	"context"
	"time"
)

// Well-known keys. Entries are scoped to the process's ephemeral session
// and cleared on logout-equivalent events.
const (
	KeyCurrentMethod     = "login:current-method"
	KeyCacheExpiration   = "login:cache-expiration"
	KeyCacheBlob         = "login:cache-blob"
	KeyAuthRequestPushID = "login:auth-request-push-id"
)

// Store is a keyed ephemeral session store. Values are opaque strings;
// callers own the encoding.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	// SetTTL stores a value that expires on its own.
	SetTTL(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Clear drops every entry; used on logout and on defensive resets.
	Clear(ctx context.Context) error
}
