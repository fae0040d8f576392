package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/c360studio/cascade/ident"
	"github.com/c360studio/cascade/semver"
)

// ListVersions returns all version snapshots of a function plus the latest
// pointer's version. Order is lexical; use ListVersionsSorted for semver
// order.
func (s *Store) ListVersions(ctx context.Context, id string) (*VersionListing, error) {
	if err := ident.ValidateFunctionID(id); err != nil {
		return nil, err
	}

	latest, err := s.GetMetadata(ctx, id, "")
	if err != nil {
		return nil, err
	}

	keys, err := s.registry.Keys(ctx)
	if err != nil && !isNoKeys(err) {
		return nil, fmt.Errorf("list registry keys: %w", err)
	}

	prefix := snapshotPrefix(id)
	versions := make([]string, 0)
	for _, key := range keys {
		if v, ok := strings.CutPrefix(key, prefix); ok {
			versions = append(versions, v)
		}
	}
	sort.Strings(versions)

	return &VersionListing{Versions: versions, Latest: latest.Version}, nil
}

// ListVersionsSorted returns the same listing with versions in ascending
// semantic-version order.
func (s *Store) ListVersionsSorted(ctx context.Context, id string) (*VersionListing, error) {
	listing, err := s.ListVersions(ctx, id)
	if err != nil {
		return nil, err
	}
	semver.SortStrings(listing.Versions)
	return listing, nil
}
