package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/behavior"
	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/domain"
	"github.com/open-policy-agent/opa/rego"
)

// RegoQuery — множество объектов {rule, reason, seq[, line, event_hash]}.
const RegoQuery = "data.flightrec.violations"

// RegoRule исполняет пользовательские Rego-модули над документом фактов.
// Нарушения группируются по полю rule: одно нарушение на имя.
type RegoRule struct {
	query rego.PreparedEvalQuery
}

// NewRegoRule компилирует модули. Ошибка компиляции — ошибка конфигурации.
func NewRegoRule(ctx context.Context, paths []string) (*RegoRule, error) {
	r := rego.New(
		rego.Query(RegoQuery),
		rego.Load(paths, nil),
	)
	pq, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy: compile rego modules: %w", err)
	}
	return &RegoRule{query: pq}, nil
}

func (r *RegoRule) Name() string { return RuleCustomRego }

func (r *RegoRule) Evaluate(ctx context.Context, facts behavior.Facts) ([]domain.Violation, error) {
	input, err := factsDocument(facts)
	if err != nil {
		return nil, err
	}
	rs, err := r.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("rego eval: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil, nil
	}
	items, ok := rs[0].Expressions[0].Value.([]interface{})
	if !ok {
		return nil, fmt.Errorf("rego: %s must be a set of objects", RegoQuery)
	}

	type hit struct {
		reason string
		ref    domain.Ref
	}
	byRule := make(map[string][]hit)
	for _, it := range items {
		obj, ok := it.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("rego: violation must be an object, got %T", it)
		}
		name, _ := obj["rule"].(string)
		if name == "" {
			return nil, fmt.Errorf("rego: violation without rule name")
		}
		reason, _ := obj["reason"].(string)
		byRule[name] = append(byRule[name], hit{
			reason: reason,
			ref: domain.Ref{
				Line:      int(number(obj["line"])),
				Seq:       number(obj["seq"]),
				EventHash: stringOf(obj["event_hash"]),
			},
		})
	}

	names := make([]string, 0, len(byRule))
	for n := range byRule {
		names = append(names, n)
	}
	sort.Strings(names)

	out := make([]domain.Violation, 0, len(names))
	for _, n := range names {
		hits := byRule[n]
		sort.SliceStable(hits, func(i, j int) bool { return hits[i].ref.Seq < hits[j].ref.Seq })
		refs := make([]domain.Ref, 0, len(hits))
		for _, h := range hits {
			refs = append(refs, h.ref)
		}
		out = append(out, domain.Violation{
			Rule:   "rego." + n,
			Reason: hits[0].reason,
			Count:  len(refs),
			Refs:   refs,
		})
	}
	return out, nil
}

// factsDocument приводит факты к JSON-документу, который видит Rego как input.
func factsDocument(facts behavior.Facts) (map[string]interface{}, error) {
	raw, err := json.Marshal(facts)
	if err != nil {
		return nil, fmt.Errorf("rego: encode facts: %w", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("rego: decode facts: %w", err)
	}
	return doc, nil
}

func number(v interface{}) int64 {
	switch n := v.(type) {
	case json.Number:
		i, _ := n.Int64()
		return i
	case float64:
		return int64(n)
	case int:
		return int64(n)
	case int64:
		return n
	}
	return 0
}

func stringOf(v interface{}) string {
	s, _ := v.(string)
	return s
}

// RegistryFor — встроенные правила плюс Rego, если профиль его включает.
func RegistryFor(ctx context.Context, p Profile) (*Registry, error) {
	reg := DefaultRegistry()
	if !p.Enabled(RuleCustomRego) {
		return reg, nil
	}
	rr, err := NewRegoRule(ctx, p.RegoModules())
	if err != nil {
		return nil, err
	}
	if err := reg.Register(rr); err != nil {
		return nil, err
	}
	return reg, nil
}
