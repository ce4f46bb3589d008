package tail

// FakePoller is a test double that returns scripted chunks.
type FakePoller struct {
	// Batches contains scripted results. Each call to Poll consumes the next
	// batch; once exhausted Poll returns nil.
	Batches [][]Chunk

	// Polls counts calls to Poll.
	Polls int
}

// NewFakePoller creates a FakePoller with the given batches.
func NewFakePoller(batches ...[]Chunk) *FakePoller {
	return &FakePoller{Batches: batches}
}

// Poll returns the next scripted batch.
func (f *FakePoller) Poll() []Chunk {
	f.Polls++
	if len(f.Batches) == 0 {
		return nil
	}
	next := f.Batches[0]
	f.Batches = f.Batches[1:]
	return next
}
