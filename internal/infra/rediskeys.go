package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "flightrec"
)

// Ключи (состояние)
const (
	RedisKeyLatestAnchor = RedisNamespace + ":anchors:latest"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanAnchors — объявления о новых анкерах в формате "run_id:tip".
	RedisChanAnchors = RedisNamespace + ":anchors:published"
)

// AnchorKey — ключ анкера конкретного прогона.
func AnchorKey(runID string) string {
	return fmt.Sprintf("%s:anchors:run:%s", RedisNamespace, runID)
}
