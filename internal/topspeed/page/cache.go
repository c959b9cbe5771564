package page

import "github.com/haldane-data/tscore/core/cache"

// PageCache bounds the decompressed pages held in memory at once, keyed
// by page number and byte-bounded on the pages' payload sizes so that a
// file of unusually large pages cannot blow past the memory budget an
// entry count alone would permit. ConversionEngine drops the cache
// whenever the governor forces a GC sweep, so cached pages participate
// in adaptive memory control rather than sitting outside it.
type PageCache = *cache.BoundedCache[uint32, *Page]

// NewPageCache returns a PageCache holding at most maxBytes of
// decompressed payload across cachePages entries.
func NewPageCache(maxBytes int64) PageCache {
	cfg := cache.DefaultConfig()
	cfg.MaxSize = cachePages
	return cache.NewBoundedCache[uint32, *Page](cfg, maxBytes, func(p *Page) int64 {
		return p.EstimateBytes()
	})
}
