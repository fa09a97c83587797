package main

import (
	"sync"
	"time"
)

// PageCache is a thread-safe TTL cache for extracted page content,
// keyed by URL. It keeps repeated fetch-url requests for the same page
// from hammering the remote site.
type PageCache struct {
	mu      sync.RWMutex
	entries map[string]pageEntry
	ttl     time.Duration
}

type pageEntry struct {
	content   string
	fetchedAt time.Time
}

// NewPageCache creates a page cache with the given TTL.
func NewPageCache(ttl time.Duration) *PageCache {
	return &PageCache{
		entries: make(map[string]pageEntry),
		ttl:     ttl,
	}
}

// Get returns the cached content for url if present and not expired.
func (c *PageCache) Get(url string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[url]
	if !ok || time.Since(entry.fetchedAt) > c.ttl {
		return "", false
	}
	return entry.content, true
}

// Set stores extracted content for url.
func (c *PageCache) Set(url, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[url] = pageEntry{content: content, fetchedAt: time.Now()}
}

// Clear drops all cached pages.
func (c *PageCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]pageEntry)
}

// Len returns the number of cached pages, expired or not.
func (c *PageCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
