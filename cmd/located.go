package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// LocateCache remembers which member matched each target for an archive
// snapshot, so repeated runs can skip sampling.
type LocateCache struct {
	Archives map[string]map[string]LocatedEntry `json:"archives"`

	path string
	ttl  time.Duration
}

type LocatedEntry struct {
	Entry     string    `json:"entry"`
	Timestamp time.Time `json:"timestamp"`
}

func defaultLocateCachePath() string {
	return filepath.Join(StateDir(), "cache", "located.json")
}

func archiveKey(url string, size uint64) string {
	return fmt.Sprintf("%s#%d", url, size)
}

// loadLocateCache reads the cache file; a missing or corrupt file yields an
// empty cache.
func loadLocateCache(path string, ttl time.Duration) (*LocateCache, error) {
	c := &LocateCache{Archives: make(map[string]map[string]LocatedEntry), path: path, ttl: ttl}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, c); err != nil || c.Archives == nil {
		c.Archives = make(map[string]map[string]LocatedEntry)
	}
	c.cleanExpired()
	return c, nil
}

func (c *LocateCache) save() error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0o644)
}

func (c *LocateCache) get(url string, size uint64, target string) (string, bool) {
	entry, ok := c.Archives[archiveKey(url, size)][target]
	if !ok {
		return "", false
	}
	if c.expired(entry) {
		delete(c.Archives[archiveKey(url, size)], target)
		return "", false
	}
	return entry.Entry, true
}

func (c *LocateCache) set(url string, size uint64, target, entry string) {
	key := archiveKey(url, size)
	if c.Archives[key] == nil {
		c.Archives[key] = make(map[string]LocatedEntry)
	}
	c.Archives[key][target] = LocatedEntry{Entry: entry, Timestamp: time.Now()}
}

// forget drops a mapping that turned out to be stale.
func (c *LocateCache) forget(url string, size uint64, target string) {
	delete(c.Archives[archiveKey(url, size)], target)
}

func (c *LocateCache) expired(e LocatedEntry) bool {
	return c.ttl > 0 && time.Since(e.Timestamp) > c.ttl
}

func (c *LocateCache) cleanExpired() {
	for key, targets := range c.Archives {
		for name, e := range targets {
			if c.expired(e) {
				delete(targets, name)
			}
		}
		if len(targets) == 0 {
			delete(c.Archives, key)
		}
	}
}
