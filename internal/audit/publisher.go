package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/infra"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// AnchorPublisher выносит анкер за пределы каталога прогона.
type AnchorPublisher interface {
	Publish(ctx context.Context, runID string, a Anchor) error
}

// RedisPublisher кладет анкер в ключ прогона и объявляет его в канале.
// Ключ пишется без TTL: анкер должен пережить каталог прогона.
type RedisPublisher struct {
	rdb    redis.Cmdable
	logger *zap.Logger
}

func NewRedisPublisher(rdb redis.Cmdable, logger *zap.Logger) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, logger: logger.With(zap.String("mod", "anchor-publisher"))}
}

func (p *RedisPublisher) Publish(ctx context.Context, runID string, a Anchor) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("audit: encode anchor: %w", err)
	}

	// 1. Состояние: anchor по run_id и последняя вершина
	pipe := p.rdb.TxPipeline()
	pipe.Set(ctx, infra.AnchorKey(runID), payload, 0)
	pipe.Set(ctx, infra.RedisKeyLatestAnchor, payload, 0)
	// 2. Событие для подписчиков
	pipe.Publish(ctx, infra.RedisChanAnchors, runID+":"+a.Tip)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("audit: publish anchor: %w", err)
	}

	p.logger.Info("anchor published", zap.String("run_id", runID), zap.String("tip", a.Tip))
	return nil
}

// FetchAnchor читает анкер, опубликованный этим же издателем.
func (p *RedisPublisher) FetchAnchor(ctx context.Context, runID string) (Anchor, error) {
	return FetchAnchor(ctx, p.rdb, runID)
}

// FetchAnchor читает опубликованный анкер прогона.
func FetchAnchor(ctx context.Context, rdb redis.Cmdable, runID string) (Anchor, error) {
	raw, err := rdb.Get(ctx, infra.AnchorKey(runID)).Bytes()
	if err != nil {
		return Anchor{}, fmt.Errorf("audit: fetch anchor %s: %w", runID, err)
	}
	var a Anchor
	if err := json.Unmarshal(raw, &a); err != nil {
		return Anchor{}, fmt.Errorf("audit: decode anchor %s: %w", runID, err)
	}
	return a, nil
}
