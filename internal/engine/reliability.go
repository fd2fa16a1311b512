package engine

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ReliabilityWrapper защищает доставку во внешние приемники (анкер в Redis,
// выгрузка в Postgres): повторы с бэкоффом внутри Circuit Breaker.
type ReliabilityWrapper struct {
	sink    string
	cb      *gobreaker.CircuitBreaker
	metrics *Metrics
	logger  *zap.Logger
	timeout time.Duration
}

func NewReliabilityWrapper(sink string, metrics *Metrics, logger *zap.Logger) *ReliabilityWrapper {
	w := &ReliabilityWrapper{
		sink:    sink,
		metrics: metrics,
		logger:  logger.With(zap.String("sink", sink)),
		timeout: 10 * time.Second,
	}

	// Настройка предохранителя
	w.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "flightrec-" + sink,
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Если более 5 ошибок подряд — открываемся
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			state := 0.0
			if to == gobreaker.StateOpen {
				state = 1
			}
			metrics.CircuitBreakerState.WithLabelValues(sink).Set(state)
			w.logger.Warn("circuit breaker state changed",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return w
}

// Do выполняет операцию с повторами. Ошибка контекста не повторяется.
func (w *ReliabilityWrapper) Do(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := w.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(3),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				return retry.BackOffDelay(n, err, config)
			}),
		)
		return nil, r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, w.timeout)
			defer cancel()
			return op(tCtx)
		})
	})

	if err != nil {
		w.metrics.SinkErrors.WithLabelValues(w.sink).Inc()
		if errors.Is(err, gobreaker.ErrOpenState) {
			w.logger.Warn("sink skipped: circuit open")
		}
	}
	return err
}
