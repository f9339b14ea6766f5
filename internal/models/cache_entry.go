package models

import "encoding/json"

// CacheEntry is a keyed snapshot of server-fetched data retained for
// offline display. Entries are upserted by key; there is no eviction.
type CacheEntry struct {
	Key      string          `db:"key" json:"key"`
	Data     json.RawMessage `db:"data" json:"data"`
	CachedAt int64           `db:"cached_at" json:"cachedAt"`
}

// TableName returns the table name for CacheEntry.
func (CacheEntry) TableName() string {
	return "data_cache"
}
