package policy

// Policy decides whether a store is over budget.
type Policy interface {
	// BytesToFree returns the number of bytes that should be evicted from a
	// store currently measuring currentSize. Returns 0 if no eviction is
	// needed.
	BytesToFree(currentSize int64) (int64, error)
}
