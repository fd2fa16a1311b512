package audit

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memoryStore struct {
	mu      sync.Mutex
	offsets []int
	rows    []Receipt
	failAt  int
}

func (m *memoryStore) WriteBatch(_ context.Context, _ string, offset int, receipts []Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAt > 0 && len(m.offsets)+1 == m.failAt {
		return errors.New("disk full")
	}
	m.offsets = append(m.offsets, offset)
	m.rows = append(m.rows, receipts...)
	return nil
}

func manyReceipts(n int) []Receipt {
	out := make([]Receipt, n)
	for i := range out {
		out[i] = Receipt{Seq: int64(i + 1)}
	}
	return out
}

func TestExportWritesWholeChainInOrder(t *testing.T) {
	store := &memoryStore{}
	receipts := manyReceipts(250)

	require.NoError(t, Export(context.Background(), store, "run-1", receipts, 0, zap.NewNop()))
	assert.Equal(t, receipts, store.rows)
	require.NotEmpty(t, store.offsets)
	assert.Equal(t, 0, store.offsets[0])
	for i := 1; i < len(store.offsets); i++ {
		assert.Greater(t, store.offsets[i], store.offsets[i-1])
	}
}

func TestExportStopsAfterFirstFailure(t *testing.T) {
	store := &memoryStore{failAt: 2}
	ex := NewExporter(store, "run-1", 10, zap.NewNop())
	ex.Start(context.Background())
	for _, r := range manyReceipts(40) {
		require.NoError(t, ex.Add(context.Background(), r))
	}
	err := ex.Stop()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 10, ex.Written())
	assert.Len(t, store.rows, 10)
}

func TestAddAfterStop(t *testing.T) {
	ex := NewExporter(&memoryStore{}, "run-1", 10, zap.NewNop())
	ex.Start(context.Background())
	require.NoError(t, ex.Stop())
	assert.ErrorIs(t, ex.Add(context.Background(), Receipt{}), ErrExporterClosed)
	assert.NoError(t, ex.Stop())
}
