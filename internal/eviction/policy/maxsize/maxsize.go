package maxsize

// DefaultFillRatio is the fraction of MaxBytes a store is trimmed down to.
const DefaultFillRatio = 0.8

// Policy triggers eviction when a store exceeds MaxBytes and then trims it
// to MaxBytes*FillRatio, leaving headroom so the next write does not trigger
// another pass straight away.
type Policy struct {
	MaxBytes  int64
	FillRatio float64
}

// Target is the size a trim brings the store down to.
func (m *Policy) Target() int64 {
	ratio := m.FillRatio
	if ratio <= 0 || ratio > 1 {
		ratio = DefaultFillRatio
	}
	return int64(float64(m.MaxBytes) * ratio)
}

func (m *Policy) BytesToFree(currentSize int64) (int64, error) {
	if m.MaxBytes <= 0 || currentSize <= m.MaxBytes {
		return 0, nil
	}
	return currentSize - m.Target(), nil
}
