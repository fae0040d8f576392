package registry

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/c360studio/cascade/ident"
)

// CompressionThreshold is the minimum payload size eligible for the gzip
// envelope. Below this the payload is stored verbatim.
const CompressionThreshold = 1024

// compressionMarkerValue is written to the ":compression" marker key when a
// payload is stored compressed.
const compressionMarkerValue = "gzip-base64"

// gzipBase64Magic is the base64 encoding of the gzip magic bytes. Payloads
// written before markers existed can be recognized by this prefix.
const gzipBase64Magic = "H4sI"

// codeKey builds the storage key for a code artifact.
func codeKey(id, version string, derivative Derivative) string {
	key := "code." + id
	if version != "" {
		key += ".v." + version
	}
	switch derivative {
	case DerivativeCompiled:
		key += ".compiled"
	case DerivativeSourceMap:
		key += ".map"
	}
	return key
}

// wasmKey builds the storage key for a WASM binary.
func wasmKey(id, version string) string {
	key := "wasm." + id
	if version != "" {
		key += ".v." + version
	}
	return key
}

func markerKey(base string) string { return base + ".compression" }

// bucketFor selects the code or wasm bucket for a derivative kind.
func (s *Store) bucketFor(derivative Derivative) KV {
	if derivative == DerivativeWASM {
		return s.wasm
	}
	return s.code
}

func (s *Store) artifactKey(id, version string, derivative Derivative) string {
	if derivative == DerivativeWASM {
		return wasmKey(id, version)
	}
	return codeKey(id, version, derivative)
}

// PutCode stores a code artifact. Payloads at or above the compression
// threshold are gzip-compressed and stored base64-encoded when that is
// smaller than the raw form; the compression marker is written or deleted
// together with the payload so the two never disagree.
func (s *Store) PutCode(ctx context.Context, id, code, version string, derivative Derivative) error {
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

	if _, err := bucket.Put(ctx, key, payload); err != nil {
		return fmt.Errorf("store code %s: %w", key, err)
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

	s.logger.Debug("Stored code artifact",
		"function_id", id,
		"version", version,
		"derivative", string(derivative),
		"bytes", len(payload),
		"compressed", compressed)
	return nil
}

// GetCode retrieves a code artifact, transparently decompressing when the
// compression marker is present. For backward compatibility, unmarked
// payloads that look like base64-encoded gzip are speculatively
// decompressed, falling back to the raw bytes on failure.
func (s *Store) GetCode(ctx context.Context, id, version string, derivative Derivative) (string, error) {
	if err := ident.ValidateFunctionID(id); err != nil {
		return "", err
	}

	bucket := s.bucketFor(derivative)
	key := s.artifactKey(id, version, derivative)

	entry, err := bucket.Get(ctx, key)
	if err != nil {
		if isKeyNotFound(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get code %s: %w", key, err)
	}
	payload := entry.Value()

	marked := false
	if _, err := bucket.Get(ctx, markerKey(key)); err == nil {
		marked = true
	} else if !isKeyNotFound(err) {
		return "", fmt.Errorf("get compression marker %s: %w", key, err)
	}

	if marked {
		raw, err := decompressPayload(payload)
		if err != nil {
			return "", fmt.Errorf("decompress code %s: %w", key, err)
		}
		return string(raw), nil
	}

	if strings.HasPrefix(string(payload), gzipBase64Magic) {
		if raw, err := decompressPayload(payload); err == nil {
			return string(raw), nil
		}
	}

	return string(payload), nil
}

// DeleteCode removes a code artifact together with its compression marker
// and any chunk records.
func (s *Store) DeleteCode(ctx context.Context, id, version string, derivative Derivative) error {
	bucket := s.bucketFor(derivative)
	key := s.artifactKey(id, version, derivative)

	if err := bucket.Delete(ctx, key); err != nil && !isKeyNotFound(err) {
		return fmt.Errorf("delete code %s: %w", key, err)
	}
	if err := bucket.Delete(ctx, markerKey(key)); err != nil && !isKeyNotFound(err) {
		return fmt.Errorf("delete compression marker %s: %w", key, err)
	}
	return s.deleteChunks(ctx, bucket, key)
}

// GetWithFallback tries the requested version and then each fallback in
// order, reporting which version actually served the read.
func (s *Store) GetWithFallback(ctx context.Context, id, version string, fallbacks []string) (*FallbackResult, error) {
	code, err := s.GetCode(ctx, id, version, DerivativeSource)
	if err == nil {
		return &FallbackResult{Code: code, ServedVersion: version}, nil
	}
	if err != ErrNotFound {
		return nil, err
	}

	for _, fb := range fallbacks {
		code, err := s.GetCode(ctx, id, fb, DerivativeSource)
		if err == nil {
			s.logger.Debug("Served code from fallback version",
				"function_id", id, "requested", version, "served", fb)
			return &FallbackResult{Code: code, ServedVersion: fb, FallbackUsed: true}, nil
		}
		if err != ErrNotFound {
			return nil, err
		}
	}

	return nil, ErrNotFound
}

// compressPayload gzips and base64-encodes raw, returning ok=false when the
// encoded form is not smaller than the input.
func compressPayload(raw []byte) ([]byte, bool) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return nil, false
	}
	if err := gz.Close(); err != nil {
		return nil, false
	}

	encoded := make([]byte, base64.StdEncoding.EncodedLen(buf.Len()))
	base64.StdEncoding.Encode(encoded, buf.Bytes())

	if len(encoded) >= len(raw) {
		return nil, false
	}
	return encoded, true
}

// decompressPayload reverses compressPayload.
func decompressPayload(encoded []byte) ([]byte, error) {
	compressed := make([]byte, base64.StdEncoding.DecodedLen(len(encoded)))
	n, err := base64.StdEncoding.Decode(compressed, encoded)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}

	gz, err := gzip.NewReader(bytes.NewReader(compressed[:n]))
	if err != nil {
		return nil, fmt.Errorf("gzip open: %w", err)
	}
	defer gz.Close()

	raw, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("gzip read: %w", err)
	}
	return raw, nil
}
