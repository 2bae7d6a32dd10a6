// Package cache provides the cache backends, key derivation and read-through
// helpers used by the repository package.
//
// # Backends
//
// Every backend implements Backend and stores opaque bytes:
//
//   - NoopBackend: every read misses, writes are dropped. Used when caching is off.
//   - NewMemoryBackend: in-process, sharded, bounded, per-entry TTL (sturdyc).
//   - NewRedisBackend: shared across processes through Redis.
//
// Values are encoded with a Codec (msgpack by default) before they reach the
// backend, so even the in-process backend hands out copies and a caller can
// never mutate a cached record in place.
//
// # Keys
//
// Keyspace derives keys of the form
//
//	<record_type>::<operation>::<args...>
//
// Arguments go through KeySerializer, which sorts map keys and hashes long
// segments with xxhash. The namespace prefix lets a whole record type be
// dropped with one DeleteByPrefix call.
//
// # Failure handling
//
// Store wraps a Backend and absorbs its failures: a read error is a miss, a
// write error is logged and ignored. Use GetOrFetch for typed read-through:
//
//	store := cache.NewStore(backend)
//	user, found, hit, err := cache.GetOrFetch(ctx, store, key, time.Minute,
//		func(ctx context.Context) (*User, bool, error) {
//			return loadUser(ctx, id)
//		})
//
// Function arguments serialize by pointer and are only stable within one
// process. Do not feed closures into keys stored in a shared backend.
package cache
