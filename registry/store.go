package registry

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/cascade/apierr"
	"github.com/c360studio/cascade/ident"
)

// Bucket names for the registry's KV storage.
const (
	BucketRegistry = "CASCADE_REGISTRY"
	BucketCode     = "CASCADE_CODE"
	BucketWASM     = "CASCADE_WASM"
)

// manifestKey holds the denormalized function-id list used for bounded
// enumeration. Rebuilt from primary state when absent.
const manifestKey = "functions.manifest"

// DefaultListLimit caps metadata listing page sizes.
const DefaultListLimit = 100

// KV is the narrow key-value surface the store needs. Satisfied by
// jetstream.KeyValue; tests substitute an in-memory implementation.
type KV interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Delete(ctx context.Context, key string, opts ...jetstream.KVDeleteOpt) error
	Keys(ctx context.Context, opts ...jetstream.WatchOpt) ([]string, error)
}

// Store provides function metadata and code persistence.
type Store struct {
	registry KV
	code     KV
	wasm     KV
	logger   *slog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the store's logger.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates a Store on the given JetStream context, creating the
// registry, code, and WASM buckets if they don't exist.
func NewStore(ctx context.Context, js jetstream.JetStream, opts ...StoreOption) (*Store, error) {
	registry, err := getOrCreateBucket(ctx, js, BucketRegistry)
	if err != nil {
		return nil, fmt.Errorf("create registry bucket: %w", err)
	}
	code, err := getOrCreateBucket(ctx, js, BucketCode)
	if err != nil {
		return nil, fmt.Errorf("create code bucket: %w", err)
	}
	wasm, err := getOrCreateBucket(ctx, js, BucketWASM)
	if err != nil {
		return nil, fmt.Errorf("create wasm bucket: %w", err)
	}

	return NewStoreWithBuckets(registry, code, wasm, opts...), nil
}

// NewStoreWithBuckets creates a Store over pre-built buckets. Used by tests
// and by callers that manage bucket lifecycle themselves.
func NewStoreWithBuckets(registry, code, wasm KV, opts ...StoreOption) *Store {
	s := &Store{
		registry: registry,
		code:     code,
		wasm:     wasm,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Cascade %s storage", strings.ToLower(name)),
		History:     5,
	})
}

// Key layout helpers. NATS KV keys use '.' separators; function IDs never
// contain dots so segments can't collide.

func latestKey(id string) string        { return "registry." + id }
func snapshotKey(id, ver string) string { return "registry." + id + ".v." + ver }
func historyKey(id string) string       { return "registry." + id + ".versions" }
func snapshotPrefix(id string) string   { return "registry." + id + ".v." }

// GetMetadata returns a function's metadata, at a specific version when one
// is given, otherwise the latest.
func (s *Store) GetMetadata(ctx context.Context, id, version string) (*Metadata, error) {
	if err := ident.ValidateFunctionID(id); err != nil {
		return nil, err
	}

	key := latestKey(id)
	if version != "" {
		key = snapshotKey(id, version)
	}

	entry, err := s.registry.Get(ctx, key)
	if err != nil {
		if isKeyNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get metadata %s: %w", id, err)
	}

	var meta Metadata
	if err := json.Unmarshal(entry.Value(), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal metadata %s: %w", id, err)
	}
	return &meta, nil
}

// PutMetadata stores a function's metadata, writing both a version snapshot
// and the latest pointer, and appending to the deployment history and the
// enumeration manifest. An existing CreatedAt is preserved.
func (s *Store) PutMetadata(ctx context.Context, meta *Metadata) error {
	if err := ident.ValidateFunctionID(meta.ID); err != nil {
		return err
	}
	if meta.Version == "" {
		meta.Version = "1.0.0"
	}
	if meta.Type != "" && !IsValidType(meta.Type) {
		return apierr.Newf(apierr.KindValidation, "unknown function type %q", meta.Type)
	}

	now := time.Now().UTC()
	snapshot, snapErr := s.GetMetadata(ctx, meta.ID, meta.Version)
	switch {
	case snapErr == nil:
		meta.CreatedAt = snapshot.CreatedAt
	default:
		if latest, err := s.GetMetadata(ctx, meta.ID, ""); err == nil {
			meta.CreatedAt = latest.CreatedAt
		} else {
			meta.CreatedAt = now
		}
	}
	meta.UpdatedAt = now

	if err := s.writeMetadata(ctx, meta); err != nil {
		return err
	}

	// Redeploying an identical version refreshes updatedAt only; the
	// deployment log records real changes.
	if snapErr != nil || !sameContent(snapshot, meta) {
		if err := s.appendDeployment(ctx, meta.ID, DeploymentRecord{
			Version:    meta.Version,
			DeployedAt: now,
		}); err != nil {
			return err
		}
	}

	return s.addToManifest(ctx, meta.ID)
}

// UpdateMetadata rewrites a function's current metadata in place. Used for
// mutable-field edits; never appends to the deployment log.
func (s *Store) UpdateMetadata(ctx context.Context, meta *Metadata) error {
	if err := ident.ValidateFunctionID(meta.ID); err != nil {
		return err
	}
	if _, err := s.GetMetadata(ctx, meta.ID, ""); err != nil {
		return err
	}
	meta.UpdatedAt = time.Now().UTC()
	return s.writeMetadata(ctx, meta)
}

// writeMetadata stores the version snapshot and the latest pointer.
func (s *Store) writeMetadata(ctx context.Context, meta *Metadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata %s: %w", meta.ID, err)
	}
	if _, err := s.registry.Put(ctx, snapshotKey(meta.ID, meta.Version), data); err != nil {
		return fmt.Errorf("store version snapshot %s@%s: %w", meta.ID, meta.Version, err)
	}
	if _, err := s.registry.Put(ctx, latestKey(meta.ID), data); err != nil {
		return fmt.Errorf("store latest metadata %s: %w", meta.ID, err)
	}
	return nil
}

// sameContent reports whether two metadata records describe the same
// function, ignoring timestamps.
func sameContent(a, b *Metadata) bool {
	x, y := *a, *b
	x.CreatedAt, y.CreatedAt = time.Time{}, time.Time{}
	x.UpdatedAt, y.UpdatedAt = time.Time{}, time.Time{}
	xj, errX := json.Marshal(&x)
	yj, errY := json.Marshal(&y)
	return errX == nil && errY == nil && bytes.Equal(xj, yj)
}

// DeleteMetadata removes a function's latest pointer, all version
// snapshots, its deployment history, and its manifest entry.
func (s *Store) DeleteMetadata(ctx context.Context, id string) error {
	if err := ident.ValidateFunctionID(id); err != nil {
		return err
	}

	if _, err := s.GetMetadata(ctx, id, ""); err != nil {
		return err
	}

	keys, err := s.registry.Keys(ctx)
	if err != nil && !isNoKeys(err) {
		return fmt.Errorf("list registry keys: %w", err)
	}
	prefix := snapshotPrefix(id)
	for _, key := range keys {
		if strings.HasPrefix(key, prefix) {
			if err := s.registry.Delete(ctx, key); err != nil && !isKeyNotFound(err) {
				return fmt.Errorf("delete snapshot %s: %w", key, err)
			}
		}
	}

	if err := s.registry.Delete(ctx, historyKey(id)); err != nil && !isKeyNotFound(err) {
		return fmt.Errorf("delete deployment history %s: %w", id, err)
	}
	if err := s.registry.Delete(ctx, latestKey(id)); err != nil && !isKeyNotFound(err) {
		return fmt.Errorf("delete latest metadata %s: %w", id, err)
	}

	return s.removeFromManifest(ctx, id)
}

// ListMetadata returns one page of function metadata, filtered to ftype
// when one is given. The filter runs before limit and cursor so pages stay
// full. When the manifest is present it drives the listing; otherwise the
// registry is scanned and the manifest rebuilt so subsequent lists cost
// one page.
func (s *Store) ListMetadata(ctx context.Context, cursor string, limit int, ftype FunctionType) (*ListPage, error) {
	if limit <= 0 || limit > DefaultListLimit {
		limit = DefaultListLimit
	}

	ids, err := s.manifestIDs(ctx)
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids, err = s.rebuildManifest(ctx)
		if err != nil {
			return nil, err
		}
	}

	offset := 0
	if cursor != "" {
		offset, err = decodeCursor(cursor)
		if err != nil {
			return nil, err
		}
	}
	if offset > len(ids) {
		offset = len(ids)
	}

	page := &ListPage{Functions: make([]*Metadata, 0, limit)}
	i := offset
	for ; i < len(ids) && len(page.Functions) < limit; i++ {
		meta, err := s.GetMetadata(ctx, ids[i], "")
		if err != nil {
			continue // Manifest may briefly lead primary state; skip holes.
		}
		if ftype != "" && meta.Type != ftype {
			continue
		}
		page.Functions = append(page.Functions, meta)
	}

	if i < len(ids) {
		page.NextCursor = encodeCursor(i)
	}
	return page, nil
}

// Rollback re-points a function's latest metadata at an existing version
// snapshot and records a synthetic deployment entry.
func (s *Store) Rollback(ctx context.Context, id, version string) (*Metadata, error) {
	meta, err := s.GetMetadata(ctx, id, version)
	if err != nil {
		return nil, err
	}

	meta.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata %s: %w", id, err)
	}
	if _, err := s.registry.Put(ctx, latestKey(id), data); err != nil {
		return nil, fmt.Errorf("rollback latest %s: %w", id, err)
	}

	if err := s.appendDeployment(ctx, id, DeploymentRecord{
		Version:    version,
		DeployedAt: meta.UpdatedAt,
		Rollback:   true,
	}); err != nil {
		return nil, err
	}

	return meta, nil
}

// DeploymentHistory returns a function's append-only deployment records.
func (s *Store) DeploymentHistory(ctx context.Context, id string) ([]DeploymentRecord, error) {
	entry, err := s.registry.Get(ctx, historyKey(id))
	if err != nil {
		if isKeyNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get deployment history %s: %w", id, err)
	}

	var records []DeploymentRecord
	if err := json.Unmarshal(entry.Value(), &records); err != nil {
		return nil, fmt.Errorf("unmarshal deployment history %s: %w", id, err)
	}
	return records, nil
}

func (s *Store) appendDeployment(ctx context.Context, id string, record DeploymentRecord) error {
	records, err := s.DeploymentHistory(ctx, id)
	if err != nil {
		return err
	}
	records = append(records, record)

	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshal deployment history %s: %w", id, err)
	}
	if _, err := s.registry.Put(ctx, historyKey(id), data); err != nil {
		return fmt.Errorf("store deployment history %s: %w", id, err)
	}
	return nil
}

// manifestIDs returns the manifest's id list, or nil when no manifest
// exists yet.
func (s *Store) manifestIDs(ctx context.Context) ([]string, error) {
	entry, err := s.registry.Get(ctx, manifestKey)
	if err != nil {
		if isKeyNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get manifest: %w", err)
	}

	var ids []string
	if err := json.Unmarshal(entry.Value(), &ids); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// rebuildManifest scans the registry for latest-pointer keys and rewrites
// the manifest from primary state.
func (s *Store) rebuildManifest(ctx context.Context) ([]string, error) {
	keys, err := s.registry.Keys(ctx)
	if err != nil {
		if isNoKeys(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("scan registry keys: %w", err)
	}

	ids := make([]string, 0)
	for _, key := range keys {
		// Latest pointers are exactly "registry.<id>"; snapshots and
		// histories carry further segments.
		rest, ok := strings.CutPrefix(key, "registry.")
		if !ok || strings.Contains(rest, ".") {
			continue
		}
		ids = append(ids, rest)
	}
	sort.Strings(ids)

	if err := s.writeManifest(ctx, ids); err != nil {
		return nil, err
	}
	s.logger.Debug("Rebuilt function manifest", "functions", len(ids))
	return ids, nil
}

func (s *Store) addToManifest(ctx context.Context, id string) error {
	ids, err := s.manifestIDs(ctx)
	if err != nil {
		return err
	}
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	ids = append(ids, id)
	sort.Strings(ids)
	return s.writeManifest(ctx, ids)
}

func (s *Store) removeFromManifest(ctx context.Context, id string) error {
	ids, err := s.manifestIDs(ctx)
	if err != nil || ids == nil {
		return err
	}
	filtered := ids[:0]
	for _, existing := range ids {
		if existing != id {
			filtered = append(filtered, existing)
		}
	}
	return s.writeManifest(ctx, filtered)
}

func (s *Store) writeManifest(ctx context.Context, ids []string) error {
	data, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if _, err := s.registry.Put(ctx, manifestKey, data); err != nil {
		return fmt.Errorf("store manifest: %w", err)
	}
	return nil
}

func isNoKeys(err error) bool {
	return err == jetstream.ErrNoKeysFound ||
		(err != nil && strings.Contains(err.Error(), "no keys found"))
}

func encodeCursor(offset int) string {
	return base64.URLEncoding.EncodeToString([]byte(strconv.Itoa(offset)))
}

func decodeCursor(cursor string) (int, error) {
	raw, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, apierr.New(apierr.KindInvalidCursor, "malformed cursor")
	}
	offset, err := strconv.Atoi(string(raw))
	if err != nil || offset < 0 {
		return 0, apierr.New(apierr.KindInvalidCursor, "malformed cursor")
	}
	return offset, nil
}
