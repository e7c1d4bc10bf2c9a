// Package cache provides a small generic LRU cache.
//
// The notification feed keeps one broadcaster per connected recipient in an
// LRUCache and closes the least recently used ones through the evict callback:
//
//	feeds := cache.NewLRUCache[string, *broadcast.MemoryBroadcaster[Item]](10_000)
//	feeds.SetEvictCallback(func(_ string, b *broadcast.MemoryBroadcaster[Item]) { _ = b.Close() })
//	b, _ := feeds.GetOrAdd(recipientID, func() *broadcast.MemoryBroadcaster[Item] {
//		return broadcast.NewMemoryBroadcaster[Item](32)
//	})
//
// All methods are safe for concurrent use. The evict callback runs with the
// cache lock held and must not call back into the cache.
package cache
