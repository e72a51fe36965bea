package store

// Mutator is invoked with the current snapshot's working copy. It may
// mutate snap in place and return an arbitrary result value. Returning a
// non-nil error aborts the transaction: the snapshot is not persisted and
// the error is propagated to the Mutate caller unchanged.
type Mutator func(snap *Snapshot) (any, error)

// Store is the single-snapshot durable state store described by the
// control plane's core design: one coherent JSON snapshot per
// snapshot-key, read by deep copy, mutated only inside a serialized
// transaction.
//
// Concurrent Mutate calls against the same key are totally ordered: a
// second caller always observes the first caller's committed writes.
// Read calls never observe a partial state.
type Store interface {
	// Read returns a deep copy of the current snapshot for key. If no
	// snapshot has been created yet, it returns an empty snapshot (as if
	// created at first bootstrap) without persisting anything.
	Read(key string) (*Snapshot, error)

	// Mutate begins a transaction against key's snapshot: it loads the
	// current snapshot under a row lock, invokes fn, and on success
	// atomically persists the mutated snapshot with Version incremented
	// by exactly one, then returns fn's result value. On any error
	// returned by fn, the transaction rolls back: no state change
	// persists, and fn's error is returned to the caller unchanged so
	// errors.Is still matches the original sentinel.
	Mutate(key string, fn Mutator) (any, error)

	// Close releases any resources held by the store.
	Close() error
}
