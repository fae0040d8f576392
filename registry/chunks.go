package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/c360studio/cascade/ident"
)

// ChunkSize is the maximum stored size of a single chunk. Payloads above
// this are split with a metadata record describing the split.
const ChunkSize = 25 * 1024 * 1024 // 25 MiB

func chunkMetaKey(base string) string { return base + ".meta" }
func chunkKey(base string, n int) string {
	return fmt.Sprintf("%s.chunk.%d", base, n)
}

// PutLarge stores a payload of any size under the plain code contract,
// additionally chunking the stored form at 25 MiB. The compression rule of
// PutCode applies to the whole payload before splitting.
func (s *Store) PutLarge(ctx context.Context, id, code, version string, derivative Derivative) error {
	if err := ident.ValidateFunctionID(id); err != nil {
		return err
	}

	bucket := s.bucketFor(derivative)
	key := s.artifactKey(id, version, derivative)

	payload := []byte(code)
	compressed := false
	if len(payload) >= CompressionThreshold {
		if enc, ok := compressPayload(payload); ok {
			payload = enc
			compressed = true
		}
	}

	if len(payload) <= ChunkSize {
		// Small enough for the plain path; clear any stale chunk records
		// from an earlier larger deploy.
		if err := s.deleteChunks(ctx, bucket, key); err != nil {
			return err
		}
		return s.PutCode(ctx, id, code, version, derivative)
	}

	total := (len(payload) + ChunkSize - 1) / ChunkSize
	for i := 0; i < total; i++ {
		start := i * ChunkSize
		end := start + ChunkSize
		if end > len(payload) {
			end = len(payload)
		}
		if _, err := bucket.Put(ctx, chunkKey(key, i), payload[start:end]); err != nil {
			return fmt.Errorf("store chunk %d of %s: %w", i, key, err)
		}
	}

	meta := ChunkMeta{
		TotalChunks: total,
		TotalSize:   int64(len(payload)),
		ChunkSize:   ChunkSize,
	}
	metaData, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal chunk metadata %s: %w", key, err)
	}
	if _, err := bucket.Put(ctx, chunkMetaKey(key), metaData); err != nil {
		return fmt.Errorf("store chunk metadata %s: %w", key, err)
	}

	if compressed {
		if _, err := bucket.Put(ctx, markerKey(key), []byte(compressionMarkerValue)); err != nil {
			return fmt.Errorf("store compression marker %s: %w", key, err)
		}
	} else {
		if err := bucket.Delete(ctx, markerKey(key)); err != nil && !isKeyNotFound(err) {
			return fmt.Errorf("clear compression marker %s: %w", key, err)
		}
	}

	// Remove any unchunked payload from a previous smaller deploy so reads
	// don't resolve stale data.
	if err := bucket.Delete(ctx, key); err != nil && !isKeyNotFound(err) {
		return fmt.Errorf("clear unchunked payload %s: %w", key, err)
	}

	s.logger.Debug("Stored chunked artifact",
		"function_id", id, "version", version, "chunks", total, "bytes", meta.TotalSize)
	return nil
}

// GetLarge retrieves a payload stored by PutLarge, reassembling chunks
// strictly in index order. A missing chunk makes the whole object
// not-found. Unchunked payloads fall through to GetCode.
func (s *Store) GetLarge(ctx context.Context, id, version string, derivative Derivative) (string, error) {
	if err := ident.ValidateFunctionID(id); err != nil {
		return "", err
	}

	bucket := s.bucketFor(derivative)
	key := s.artifactKey(id, version, derivative)

	metaEntry, err := bucket.Get(ctx, chunkMetaKey(key))
	if err != nil {
		if isKeyNotFound(err) {
			return s.GetCode(ctx, id, version, derivative)
		}
		return "", fmt.Errorf("get chunk metadata %s: %w", key, err)
	}

	var meta ChunkMeta
	if err := json.Unmarshal(metaEntry.Value(), &meta); err != nil {
		return "", fmt.Errorf("unmarshal chunk metadata %s: %w", key, err)
	}

	payload := make([]byte, 0, meta.TotalSize)
	for i := 0; i < meta.TotalChunks; i++ {
		entry, err := bucket.Get(ctx, chunkKey(key, i))
		if err != nil {
			if isKeyNotFound(err) {
				return "", ErrNotFound
			}
			return "", fmt.Errorf("get chunk %d of %s: %w", i, key, err)
		}
		payload = append(payload, entry.Value()...)
	}

	marked := false
	if _, err := bucket.Get(ctx, markerKey(key)); err == nil {
		marked = true
	} else if !isKeyNotFound(err) {
		return "", fmt.Errorf("get compression marker %s: %w", key, err)
	}

	if marked {
		raw, err := decompressPayload(payload)
		if err != nil {
			return "", fmt.Errorf("decompress chunked payload %s: %w", key, err)
		}
		return string(raw), nil
	}
	return string(payload), nil
}

// DeleteLarge removes a chunked payload, its metadata, and its marker.
func (s *Store) DeleteLarge(ctx context.Context, id, version string, derivative Derivative) error {
	bucket := s.bucketFor(derivative)
	key := s.artifactKey(id, version, derivative)

	if err := s.deleteChunks(ctx, bucket, key); err != nil {
		return err
	}
	return s.DeleteCode(ctx, id, version, derivative)
}

// deleteChunks removes the chunk records for a base key, if any.
func (s *Store) deleteChunks(ctx context.Context, bucket KV, key string) error {
	metaEntry, err := bucket.Get(ctx, chunkMetaKey(key))
	if err != nil {
		if isKeyNotFound(err) {
			return nil
		}
		return fmt.Errorf("get chunk metadata %s: %w", key, err)
	}

	var meta ChunkMeta
	if err := json.Unmarshal(metaEntry.Value(), &meta); err != nil {
		return fmt.Errorf("unmarshal chunk metadata %s: %w", key, err)
	}

	for i := 0; i < meta.TotalChunks; i++ {
		if err := bucket.Delete(ctx, chunkKey(key, i)); err != nil && !isKeyNotFound(err) {
			return fmt.Errorf("delete chunk %d of %s: %w", i, key, err)
		}
	}
	if err := bucket.Delete(ctx, chunkMetaKey(key)); err != nil && !isKeyNotFound(err) {
		return fmt.Errorf("delete chunk metadata %s: %w", key, err)
	}
	return nil
}
