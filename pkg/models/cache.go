package models

// CacheStats reports cache performance for one cache instance.
type CacheStats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Size      int64   `json:"size"`
	Evictions int64   `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}
