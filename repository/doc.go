// Package repository implements a generic data access layer over bun.
//
// A Repository[T, P] serves one record type: CRUD, bulk writes and upserts,
// filtered listings built from filter expressions, column projections, row
// locking reads and get-or-create helpers. Every public operation runs through
// a hooks.Pipeline exactly once, so logging and statistics hooks see one
// Before/After pair per call.
//
// Reads ending in Cached go through a cache.Store. Mutations drop the affected
// entries, and every committed mutation is handed to a ChangePublisher:
//
//	repo, err := repository.New[Product](db,
//		repository.WithCache(store),
//		repository.WithPublisher(broadcaster),
//	)
//
// Inside a transaction (RunInTx or WithTx) cached reads go to the database and
// change events wait for the commit. A rolled back transaction publishes nothing.
//
// Driver errors are mapped onto ErrConstraintViolation and ErrResourceLocked
// for PostgreSQL (lib/pq) and SQLite (modernc.org/sqlite).
package repository
