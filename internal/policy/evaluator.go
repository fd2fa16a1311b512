package policy

import (
	"context"
	"fmt"

	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/behavior"
	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/domain"
	"go.uber.org/zap"
)

// Evaluator применяет разрешенный профиль к фактам. Выключенное правило
// не вызывается вовсе.
type Evaluator struct {
	registry *Registry
	profile  Profile
	logger   *zap.Logger
}

func NewEvaluator(registry *Registry, profile Profile, logger *zap.Logger) *Evaluator {
	return &Evaluator{registry: registry, profile: profile, logger: logger.Named("policy")}
}

// Evaluate — чистая функция (facts, profile): без I/O и без изменения входов.
func (e *Evaluator) Evaluate(ctx context.Context, facts behavior.Facts) (domain.PolicySimulation, error) {
	sim := domain.PolicySimulation{
		Enabled:    true,
		Profile:    e.profile.Name(),
		Violations: []domain.Violation{},
	}
	if err := e.registry.Covers(e.profile); err != nil {
		return domain.PolicySimulation{}, err
	}

	for _, rule := range e.registry.rules {
		if !e.profile.Enabled(rule.Name()) {
			continue
		}
		vs, err := rule.Evaluate(ctx, facts)
		if err != nil {
			return domain.PolicySimulation{}, fmt.Errorf("policy: rule %s: %w", rule.Name(), err)
		}
		for _, v := range vs {
			e.logger.Debug("rule fired", zap.String("rule", v.Rule), zap.Int("records", v.Count))
		}
		sim.Violations = append(sim.Violations, vs...)
	}

	sim.Decide()
	return sim, nil
}
