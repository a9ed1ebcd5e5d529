// Package blobstore provides content-addressable object storage for crate
// tarballs, rendered doc archives, and README snapshots.
//
// Keys are strictly namespaced by caller convention: crates/{name}/{version},
// docs/{name}/{version}/{target}/..., readmes/{name}/{version}. The adapter
// does no caching of its own; cache layers live above it.
package blobstore

import "context"

// Store is implemented by every blob store variant (filesystem, S3).
// All operations are bounded by a configured timeout and fail with
// regerrors.KindStorageUnavailable on timeout or backend error.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)

	// Ping satisfies pkg/observability's Pinger interface for readiness checks.
	Ping(ctx context.Context) error
}
