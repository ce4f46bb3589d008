package store

// FakeKV is an in-memory KV for tests.
type FakeKV struct {
	// Data holds the stored values.
	Data map[string][]byte

	// Puts counts successful Put calls per key.
	Puts map[string]int

	// PutError, if set, is returned by Put and nothing is stored.
	PutError error

	// GetError, if set, is returned by Get.
	GetError error

	// Closed tracks if Close was called.
	Closed bool
}

// NewFakeKV creates an empty FakeKV.
func NewFakeKV() *FakeKV {
	return &FakeKV{
		Data: make(map[string][]byte),
		Puts: make(map[string]int),
	}
}

// Get returns a copy of the stored value.
func (f *FakeKV) Get(key string) ([]byte, bool, error) {
	if f.GetError != nil {
		return nil, false, f.GetError
	}
	v, ok := f.Data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// Put stores a copy of value.
func (f *FakeKV) Put(key string, value []byte) error {
	if f.PutError != nil {
		return f.PutError
	}
	f.Data[key] = append([]byte(nil), value...)
	f.Puts[key]++
	return nil
}

// Close marks the store as closed.
func (f *FakeKV) Close() error {
	f.Closed = true
	return nil
}
