package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"netviz/internal/model"
)

const (
	plainExt   = ".json"
	zstdExt    = ".json.zst"
	versionExt = ".version.json"
)

// FileCache keeps the last good dataset of each entity type in DATA_DIR,
// one file per entity type.
type FileCache struct {
	dir      string
	compress bool
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder
	logger   *zap.Logger
}

func NewFileCache(dir string, compress bool, logger *zap.Logger) (*FileCache, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &FileCache{
		dir:      dir,
		compress: compress,
		encoder:  encoder,
		decoder:  decoder,
		logger:   logger,
	}, nil
}

// Path returns the file that Save writes for entityType.
func (c *FileCache) Path(entityType string) string {
	if c.compress {
		return filepath.Join(c.dir, entityType+zstdExt)
	}
	return filepath.Join(c.dir, entityType+plainExt)
}

func (c *FileCache) alternatePath(entityType string) string {
	if c.compress {
		return filepath.Join(c.dir, entityType+plainExt)
	}
	return filepath.Join(c.dir, entityType+zstdExt)
}

// Load returns the cached dataset, or nil when there is none. A missing or
// corrupt file is not an error: the caller treats it as never fetched.
func (c *FileCache) Load(ctx context.Context, entityType string) (*model.CachedDataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Fall back to the other encoding so that toggling CACHE_COMPRESSION
	// does not discard an existing cache.
	for _, path := range []string{c.Path(entityType), c.alternatePath(entityType)} {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, &model.CacheIOError{Op: "read", Path: path, Err: err}
		}

		dataset, err := c.decode(path, data)
		if err != nil {
			c.logger.Warn("discarding corrupt cache file",
				zap.String("path", path),
				zap.Error(err))
			return nil, nil
		}
		if dataset.EntityType != entityType {
			c.logger.Warn("discarding cache file for another entity type",
				zap.String("path", path),
				zap.String("want", entityType),
				zap.String("got", dataset.EntityType))
			return nil, nil
		}

		c.logger.Info("loaded cached dataset",
			zap.String("path", path),
			zap.Uint64("version", dataset.Version),
			zap.Int("records", len(dataset.Records)),
			zap.Time("fetched_at", dataset.FetchedAt))
		return dataset, nil
	}

	c.logger.Info("no cached dataset found", zap.String("entity_type", entityType))
	return nil, nil
}

func (c *FileCache) decode(path string, data []byte) (*model.CachedDataset, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty file")
	}
	if filepath.Ext(path) == ".zst" {
		raw, err := c.decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
		data = raw
	}

	var dataset model.CachedDataset
	if err := json.Unmarshal(data, &dataset); err != nil {
		return nil, fmt.Errorf("unmarshal json: %w", err)
	}
	return &dataset, nil
}

// Save atomically replaces the cached dataset: the new content is written
// to a temp file in the same directory and renamed over the old one, so a
// concurrent Load sees either the old or the new file.
func (c *FileCache) Save(ctx context.Context, dataset *model.CachedDataset) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	startTime := time.Now()
	path := c.Path(dataset.EntityType)

	data, err := json.Marshal(dataset)
	if err != nil {
		return &model.CacheIOError{Op: "encode", Path: path, Err: err}
	}
	if c.compress {
		data = c.encoder.EncodeAll(data, nil)
	}

	if err := c.writeAtomic(path, dataset.EntityType, data); err != nil {
		return err
	}

	if err := os.Remove(c.alternatePath(dataset.EntityType)); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.Warn("failed to remove cache file in the other encoding", zap.Error(err))
	}

	c.logger.Info("saved dataset to cache",
		zap.String("path", path),
		zap.Uint64("version", dataset.Version),
		zap.Int("records", len(dataset.Records)),
		zap.Int("bytes", len(data)),
		zap.Duration("duration", time.Since(startTime)))
	return nil
}

func (c *FileCache) versionPath(entityType string) string {
	return filepath.Join(c.dir, entityType+versionExt)
}

// LoadVersion returns the highest version recorded by SaveVersion, or 0 when
// there is none. A corrupt mark counts as none.
func (c *FileCache) LoadVersion(ctx context.Context, entityType string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	path := c.versionPath(entityType)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, &model.CacheIOError{Op: "read", Path: path, Err: err}
	}

	var mark model.VersionMark
	if err := json.Unmarshal(data, &mark); err != nil || mark.EntityType != entityType {
		c.logger.Warn("discarding unusable version mark", zap.String("path", path), zap.Error(err))
		return 0, nil
	}
	return mark.Version, nil
}

// SaveVersion atomically records version as the highest one published for
// entityType.
func (c *FileCache) SaveVersion(ctx context.Context, entityType string, version uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path := c.versionPath(entityType)
	data, err := json.Marshal(model.VersionMark{
		EntityType: entityType,
		Version:    version,
		UpdatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return &model.CacheIOError{Op: "encode", Path: path, Err: err}
	}
	if err := c.writeAtomic(path, entityType, data); err != nil {
		return err
	}

	c.logger.Debug("saved version mark", zap.String("path", path), zap.Uint64("version", version))
	return nil
}

// writeAtomic writes data to a temp file in the cache directory and renames
// it over path, so a concurrent reader sees either the old or the new file.
func (c *FileCache) writeAtomic(path, entityType string, data []byte) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return &model.CacheIOError{Op: "mkdir", Path: c.dir, Err: err}
	}

	tmp, err := os.CreateTemp(c.dir, "."+entityType+"-*.tmp")
	if err != nil {
		return &model.CacheIOError{Op: "create temp", Path: path, Err: err}
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &model.CacheIOError{Op: "write temp", Path: tmpName, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &model.CacheIOError{Op: "sync temp", Path: tmpName, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &model.CacheIOError{Op: "close temp", Path: tmpName, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return &model.CacheIOError{Op: "rename", Path: path, Err: err}
	}
	return nil
}

func (c *FileCache) Close() error {
	c.decoder.Close()
	return c.encoder.Close()
}
