package shadow

import (
	"context"
	"sync"
)

// MemoryService is an in-process shadow service for offline runs and tests.
type MemoryService struct {
	mu      sync.Mutex
	docs    map[string]*Document
	updates map[string]int
	failGet error
	failUpd error
}

// NewMemoryService returns an empty service.
func NewMemoryService() *MemoryService {
	return &MemoryService{
		docs:    make(map[string]*Document),
		updates: make(map[string]int),
	}
}

func (m *MemoryService) Get(ctx context.Context, documentID string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failGet != nil {
		return Document{}, m.failGet
	}
	doc, ok := m.docs[documentID]
	if !ok {
		return Document{}, ErrNotFound
	}
	return cloneDocument(*doc), nil
}

func (m *MemoryService) Update(ctx context.Context, documentID string, partition Partition, set PipelineSet) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failUpd != nil {
		return m.failUpd
	}
	doc, ok := m.docs[documentID]
	if !ok {
		doc = &Document{}
		m.docs[documentID] = doc
	}

	cp := append(PipelineSet{}, set...)
	switch partition {
	case Reported:
		doc.State.Reported = cp
	default:
		doc.State.Desired = cp
	}
	doc.State.Delta = doc.State.Desired.Diff(doc.State.Reported)
	doc.Version++
	m.updates[documentID]++
	return nil
}

// Put seeds or overwrites a document.
func (m *MemoryService) Put(documentID string, doc Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := cloneDocument(doc)
	m.docs[documentID] = &cp
}

// Updates returns how many writes documentID received.
func (m *MemoryService) Updates(documentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updates[documentID]
}

// FailWith makes subsequent Get and Update calls return the given errors.
// Pass nil to clear.
func (m *MemoryService) FailWith(getErr, updateErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failGet = getErr
	m.failUpd = updateErr
}

func cloneDocument(d Document) Document {
	return Document{
		State: State{
			Desired:  clonePartition(d.State.Desired),
			Reported: clonePartition(d.State.Reported),
			Delta:    clonePartition(d.State.Delta),
		},
		Version: d.Version,
	}
}

func clonePartition(s PipelineSet) PipelineSet {
	if s == nil {
		return nil
	}
	return append(PipelineSet{}, s...)
}
