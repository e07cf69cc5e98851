// Package embedcache persists embedding vectors in a bbolt file so repeated
// backfill runs do not re-embed unchanged listing text.
package embedcache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.etcd.io/bbolt"
)

var bucketVectors = []byte("vectors")

var errCorrupt = errors.New("embedcache: corrupt vector")

// Embedder is the wrapped embedding service.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Cache is a bbolt-backed vector store keyed by model and text.
type Cache struct {
	db *bbolt.DB
}

// Open opens or creates the cache file at path.
func Open(path string) (*Cache, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("embedcache: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketVectors)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("embedcache: create bucket: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close releases the file lock.
func (c *Cache) Close() error { return c.db.Close() }

func key(model, text string) []byte {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return h.Sum(nil)
}

// Get returns the cached vector, if any.
func (c *Cache) Get(model, text string) ([]float32, bool, error) {
	var out []float32
	err := c.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketVectors).Get(key(model, text))
		if raw == nil {
			return nil
		}
		if len(raw)%4 != 0 {
			return errCorrupt
		}
		out = make([]float32, len(raw)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

// Put stores vec for model and text.
func (c *Cache) Put(model, text string, vec []float32) error {
	raw := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketVectors).Put(key(model, text), raw)
	})
}

// Len reports the number of cached vectors.
func (c *Cache) Len() (int, error) {
	var n int
	err := c.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketVectors).Stats().KeyN
		return nil
	})
	return n, err
}

// Embedder returns a read-through embedder over inner. Cache read and write
// errors never fail the embedding; they cost a remote call and a warning.
func (c *Cache) Embedder(inner Embedder, model string, logger *slog.Logger) Embedder {
	if logger == nil {
		logger = slog.Default()
	}
	return &cached{cache: c, inner: inner, model: model, logger: logger}
}

type cached struct {
	cache  *Cache
	inner  Embedder
	model  string
	logger *slog.Logger
}

func (e *cached) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, ok, err := e.cache.Get(e.model, text)
	if err != nil {
		e.logger.Warn("embedding cache read failed", "model", e.model, "err", err)
	} else if ok {
		return vec, nil
	}
	vec, err = e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if err := e.cache.Put(e.model, text, vec); err != nil {
		e.logger.Warn("embedding cache write failed", "model", e.model, "err", err)
	}
	return vec, nil
}
