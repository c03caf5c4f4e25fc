package maxsize

// Policy triggers eviction when the cache exceeds a fixed size.
type Policy struct {
	MaxKB int64
}

func (m *Policy) KBToFree(currentKB int64) (int64, error) {
	if currentKB > m.MaxKB {
		return currentKB - m.MaxKB, nil
	}
	return 0, nil
}
