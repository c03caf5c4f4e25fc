package policy

// Policy defines the interface for checking if eviction is needed.
type Policy interface {
	// KBToFree returns the number of kilobytes that should be evicted.
	// Returns 0 if no eviction is needed.
	KBToFree(currentKB int64) (int64, error)
}
