package pipeline

import (
	"strconv"
	"sync"
	"time"

	"github.com/karlseguin/ccache/v3"

	"histostack/pkg/masking"
)

// maskTTL outlives any run; masks leave the cache by eviction or drop.
const maskTTL = 24 * time.Hour

// maskCache keeps the most recently used masks. Each mask is read by the
// pairwise stage of its own section and of its successors, so a small
// window avoids most artifact reads. A size of 0 disables caching.
type maskCache struct {
	cache    *ccache.Cache[*masking.Mask]
	stopOnce sync.Once
}

func newMaskCache(size int) *maskCache {
	c := &maskCache{}
	if size > 0 {
		c.cache = ccache.New(ccache.Configure[*masking.Mask]().MaxSize(int64(size)).ItemsToPrune(1))
	}
	return c
}

func maskKey(volume string, order int) string {
	return volume + "/" + strconv.Itoa(order)
}

func (c *maskCache) get(volume string, order int) (*masking.Mask, bool) {
	if c.cache == nil {
		return nil, false
	}
	item := c.cache.Get(maskKey(volume, order))
	if item == nil || item.Expired() {
		return nil, false
	}
	return item.Value(), true
}

func (c *maskCache) put(volume string, order int, m *masking.Mask) {
	if c.cache == nil {
		return
	}
	c.cache.Set(maskKey(volume, order), m, maskTTL)
}

func (c *maskCache) drop(volume string, order int) {
	if c.cache == nil {
		return
	}
	c.cache.Delete(maskKey(volume, order))
}

// stop ends the cache's background worker. The cache must not be used
// afterwards.
func (c *maskCache) stop() {
	if c.cache == nil {
		return
	}
	c.stopOnce.Do(c.cache.Stop)
}
