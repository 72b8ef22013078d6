// Package indexcache persists parsed archive indexes keyed by archive URL and
// size, so repeat runs against an unchanged archive skip the central
// directory fetch.
package indexcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"

	"github.com/airframesio/ziptable/cmd/compressors"
	"github.com/airframesio/ziptable/cmd/ziparchive"
)

const recordVersion = 1

// Options configures a Cache
type Options struct {
	// Prefix is prepended to every key, e.g. "indexes/".
	Prefix string
	// Compression names the payload codec: zstd (default), lz4, gzip or none.
	Compression string
	Logger      *slog.Logger
}

// Cache loads and saves archive indexes through a Store
type Cache struct {
	store  Store
	prefix string
	codec  compressors.Compressor
	logger *slog.Logger
}

type record struct {
	Version int `json:"version"`
	ziparchive.Index
}

// New creates a cache over store
func New(store Store, opts Options) (*Cache, error) {
	compression := opts.Compression
	if compression == "" {
		compression = "zstd"
	}
	codec, err := compressors.GetCompressor(compression)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Cache{
		store:  store,
		prefix: opts.Prefix,
		codec:  codec,
		logger: logger,
	}, nil
}

// Key derives the store key for an archive: the hex sha256 of the URL and the
// decimal size joined by a newline.
func (c *Cache) Key(url string, size uint64) string {
	sum := sha256.Sum256([]byte(url + "\n" + strconv.FormatUint(size, 10)))
	return path.Join(c.prefix, hex.EncodeToString(sum[:])+".json"+c.codec.Extension())
}

// Load returns the cached index for url and size. Any miss, read or decode
// failure, or identity mismatch is reported as not ok.
func (c *Cache) Load(ctx context.Context, url string, size uint64) (*ziparchive.Index, bool) {
	key := c.Key(url, size)
	data, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Debug("index cache read failed", "key", key, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}

	raw, err := c.codec.Decompress(data)
	if err != nil {
		c.logger.Debug("index cache payload undecodable", "key", key, "error", err)
		return nil, false
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		c.logger.Debug("index cache payload corrupt", "key", key, "error", err)
		return nil, false
	}
	if rec.Version != recordVersion || rec.URL != url || rec.TotalSize != size {
		c.logger.Debug("index cache record does not match archive", "key", key)
		return nil, false
	}
	for _, e := range rec.Entries {
		if e.LocalHeaderOffset >= size {
			c.logger.Debug("index cache record has out of range entry", "key", key, "entry", e.Name)
			return nil, false
		}
	}

	idx := rec.Index
	return &idx, true
}

// Save stores idx. Failures are logged and otherwise ignored.
func (c *Cache) Save(ctx context.Context, url string, size uint64, idx *ziparchive.Index) {
	key := c.Key(url, size)
	if err := c.save(ctx, key, url, size, idx); err != nil {
		c.logger.Warn("failed to save archive index", "key", key, "error", err)
	}
}

func (c *Cache) save(ctx context.Context, key, url string, size uint64, idx *ziparchive.Index) error {
	rec := record{Version: recordVersion, Index: *idx}
	rec.URL = url
	rec.TotalSize = size

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode index: %w", err)
	}
	data, err := c.codec.Compress(raw, c.codec.DefaultLevel())
	if err != nil {
		return fmt.Errorf("failed to compress index: %w", err)
	}
	return c.store.Put(ctx, key, data)
}
