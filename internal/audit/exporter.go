package audit

/*
Exporter выгружает квитанции прогона во внешнее хранилище (PostgreSQL).

- Batching: звенья копятся в памяти и пишутся пачкой по размеру или по таймеру.
- Backpressure: в отличие от журнала событий шлюза звенья не сбрасываются при
  переполнении; Add ждет места в очереди, иначе в БД появилась бы дыра в цепочке.
- Drain Pattern: Stop закрывает канал и ждет, пока воркер вычитает остатки и
  сделает финальный flush.
- После первой ошибки записи воркер больше не пишет: частичная цепочка в БД
  хуже отсутствующей, ошибку возвращает Stop.
*/

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrExporterClosed = errors.New("exporter is stopped")

// ReceiptStore определяет, куда физически пишутся квитанции.
type ReceiptStore interface {
	// WriteBatch сохраняет пачку звеньев; offset — индекс первого звена в цепочке.
	WriteBatch(ctx context.Context, runID string, offset int, receipts []Receipt) error
}

// RunSummary — итог прогона для каталога прогонов.
type RunSummary struct {
	RunID        string
	Status       string
	ReceiptCount int
	Tip          string
	CreatedAt    time.Time
}

// RunCatalog — хранилище, которое помимо звеньев ведет список прогонов.
type RunCatalog interface {
	SaveRun(ctx context.Context, run RunSummary) error
}

type Exporter struct {
	ch        chan Receipt
	store     ReceiptStore
	runID     string
	batchSize int
	logger    *zap.Logger
	wg        sync.WaitGroup

	gate   sync.RWMutex // Add под RLock, закрытие канала под Lock
	closed bool

	mu      sync.Mutex
	err     error
	written int
}

func NewExporter(store ReceiptStore, runID string, batchSize int, logger *zap.Logger) *Exporter {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Exporter{
		ch:        make(chan Receipt, batchSize*4),
		store:     store,
		runID:     runID,
		batchSize: batchSize,
		logger:    logger.With(zap.String("mod", "exporter"), zap.String("run_id", runID)),
	}
}

func (e *Exporter) Start(ctx context.Context) {
	e.wg.Add(1)
	go e.worker(ctx)
}

// Add ставит звено в очередь, блокируясь при заполненном буфере.
func (e *Exporter) Add(ctx context.Context, r Receipt) error {
	e.gate.RLock()
	defer e.gate.RUnlock()
	if e.closed {
		return ErrExporterClosed
	}
	select {
	case e.ch <- r:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop запирает вход, дожидается финального flush и возвращает первую ошибку записи.
func (e *Exporter) Stop() error {
	e.gate.Lock()
	if e.closed {
		e.gate.Unlock()
		return e.result()
	}
	e.closed = true
	close(e.ch)
	e.gate.Unlock()

	e.wg.Wait()
	e.logger.Info("exporter stopped", zap.Int("written", e.Written()))
	return e.result()
}

func (e *Exporter) Written() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.written
}

func (e *Exporter) result() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *Exporter) worker(ctx context.Context) {
	defer e.wg.Done()

	batch := make([]Receipt, 0, e.batchSize)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		e.mu.Lock()
		failed, offset := e.err != nil, e.written
		e.mu.Unlock()

		if !failed {
			err := e.store.WriteBatch(ctx, e.runID, offset, batch)
			e.mu.Lock()
			if err != nil {
				e.err = fmt.Errorf("audit: export receipts at %d: %w", offset, err)
				e.logger.Error("export flush failed", zap.Int("offset", offset), zap.Error(err))
			} else {
				e.written += len(batch)
			}
			e.mu.Unlock()
		}
		batch = batch[:0]
	}

	for {
		select {
		case r, ok := <-e.ch:
			if !ok {
				flush() // финальный сброс
				return
			}
			batch = append(batch, r)
			if len(batch) >= e.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Export выгружает готовую цепочку целиком. batchSize <= 0 — размер по умолчанию.
func Export(ctx context.Context, store ReceiptStore, runID string, receipts []Receipt, batchSize int, logger *zap.Logger) error {
	ex := NewExporter(store, runID, batchSize, logger)
	ex.Start(ctx)
	for _, r := range receipts {
		if err := ex.Add(ctx, r); err != nil {
			_ = ex.Stop()
			return fmt.Errorf("audit: export receipts: %w", err)
		}
	}
	return ex.Stop()
}
