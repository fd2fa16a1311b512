package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/behavior"
	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/domain"
	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/risk"
)

// Имена правил каталога.
const (
	RuleUnpinnedDependency       = "unpinned_dependency"
	RuleUndeclaredDepInstall     = "undeclared_dependency_install"
	RuleUndeclaredExecution      = "undeclared_execution"
	RuleUndeclaredEgress         = "undeclared_egress"
	RuleUndeclaredFileMutation   = "undeclared_file_mutation"
	RuleSensitivePathMutation    = "sensitive_path_mutation"
	RuleRemoteScript             = "remote_script"
	RuleSuspiciousQuery          = "suspicious_query"
	RuleCredentialExposure       = "credential_exposure"
	RuleHighMemory               = "high_memory"
	RuleUntrustedGateway         = "untrusted_gateway"
	RuleGatewayValidationSkipped = "gateway_validation_skipped"
	RuleAllowlistMiss            = "allowlist_miss"
	RuleAutoWSConnect            = "auto_ws_connect"
	RuleLocalhostWS              = "localhost_ws"
	RuleCredentialCrossBoundary  = "credential_cross_boundary"
	RuleUndeclaredCredentialSend = "undeclared_credential_send"
	RuleEvidenceGap              = "evidence_gap"
	RuleUnknownEvent             = "unknown_event"
	RuleCustomRego               = "custom_rego"
)

var ErrUnknownRule = errors.New("unknown rule")

// ErrRuleNotRegistered — профиль включает правило, которого нет в реестре
// (например custom_rego без скомпилированных модулей).
var ErrRuleNotRegistered = errors.New("rule enabled but not registered")

// Rule — независимый именованный предикат над фактами прогона.
// Правило не делает I/O и не меняет факты.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, facts behavior.Facts) ([]domain.Violation, error)
}

// signalRule срабатывает, если в фактах есть сигналы его тегов.
// На прогон дает ровно одно нарушение со ссылками на все записи.
type signalRule struct {
	name   string
	reason string
	tags   []risk.Tag
}

func (r signalRule) Name() string { return r.name }

func (r signalRule) Evaluate(_ context.Context, facts behavior.Facts) ([]domain.Violation, error) {
	signals := facts.SignalsByTag(r.tags...)
	if len(signals) == 0 {
		return nil, nil
	}

	refs := make([]domain.Ref, 0, len(signals))
	seen := make(map[int]struct{}, len(signals))
	for _, s := range signals {
		if _, dup := seen[s.Line]; dup {
			continue
		}
		seen[s.Line] = struct{}{}
		refs = append(refs, domain.Ref{Line: s.Line, Seq: s.Seq, EventHash: s.EventHash})
	}

	return []domain.Violation{{
		Rule:   r.name,
		Reason: fmt.Sprintf("%s (%d record(s))", r.reason, len(refs)),
		Count:  len(refs),
		Refs:   refs,
	}}, nil
}

// builtinRules — встроенный каталог в порядке вывода.
var builtinRules = []signalRule{
	{RuleUnpinnedDependency, "dependency installed without a pinned version", []risk.Tag{risk.TagUnpinnedDep}},
	{RuleUndeclaredDepInstall, "dependency installed without declaration", []risk.Tag{risk.TagUndeclaredDepInstall}},
	{RuleUndeclaredExecution, "process executed without declaration", []risk.Tag{risk.TagUndeclaredExec}},
	{RuleUndeclaredEgress, "outbound network access without declaration", []risk.Tag{risk.TagUndeclaredNetIO}},
	{RuleUndeclaredFileMutation, "file mutated without declaration", []risk.Tag{risk.TagUndeclaredFileMut}},
	{RuleSensitivePathMutation, "file mutated under a sensitive path prefix", []risk.Tag{risk.TagSensitivePathWrite}},
	{RuleRemoteScript, "remote script piped into a shell", []risk.Tag{risk.TagRemoteScript}},
	{RuleSuspiciousQuery, "destructive database query shape", []risk.Tag{risk.TagSQLInjectionRisk}},
	{RuleCredentialExposure, "credential header sent unredacted", []risk.Tag{risk.TagAPIKeyExposure}},
	{RuleHighMemory, "memory access above threshold", []risk.Tag{risk.TagMemoryOverflowRisk}},
	{RuleUntrustedGateway, "gateway URL taken from an untrusted source", []risk.Tag{risk.TagUntrustedGateway}},
	{RuleGatewayValidationSkipped, "gateway URL validation skipped", []risk.Tag{risk.TagGatewayValidationSkip}},
	{RuleAllowlistMiss, "gateway URL outside the allowlist", []risk.Tag{risk.TagAllowlistMiss}},
	{RuleAutoWSConnect, "websocket connection opened automatically", []risk.Tag{risk.TagAutoWSConnect}},
	{RuleLocalhostWS, "websocket connection to a loopback host", []risk.Tag{risk.TagWSToLocalhost}},
	{RuleCredentialCrossBoundary, "credential sent across a trust boundary", []risk.Tag{risk.TagCredCrossBoundary}},
	{RuleUndeclaredCredentialSend, "credential sent without declaration", []risk.Tag{risk.TagUndeclaredCredSend}},
	{RuleEvidenceGap, "evidence gaps present", []risk.Tag{risk.TagEvidenceGap}},
	{RuleUnknownEvent, "unknown event types present", []risk.Tag{risk.TagUnknownEventType}},
}

// KnownRules — все имена, допустимые в профилях и overrides.
func KnownRules() []string {
	names := make([]string, 0, len(builtinRules)+1)
	for _, r := range builtinRules {
		names = append(names, r.name)
	}
	return append(names, RuleCustomRego)
}

func isKnownRule(name string) bool {
	for _, n := range KnownRules() {
		if n == name {
			return true
		}
	}
	return false
}

// Registry хранит правила в порядке регистрации. Новое правило
// регистрируется, не затрагивая существующие.
type Registry struct {
	rules  []Rule
	byName map[string]Rule
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Rule)}
}

// DefaultRegistry — реестр со всеми встроенными правилами.
func DefaultRegistry() *Registry {
	reg := NewRegistry()
	for _, r := range builtinRules {
		// имена встроенных правил уникальны
		_ = reg.Register(r)
	}
	return reg
}

func (r *Registry) Register(rule Rule) error {
	if _, dup := r.byName[rule.Name()]; dup {
		return fmt.Errorf("policy: rule %q already registered", rule.Name())
	}
	r.rules = append(r.rules, rule)
	r.byName[rule.Name()] = rule
	return nil
}

func (r *Registry) Lookup(name string) (Rule, bool) {
	rule, ok := r.byName[name]
	return rule, ok
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.rules))
	for _, rule := range r.rules {
		out = append(out, rule.Name())
	}
	return out
}

// Covers проверяет, что каждое включенное в профиле правило есть в реестре.
func (r *Registry) Covers(p Profile) error {
	for _, name := range p.EnabledRules() {
		if _, ok := r.byName[name]; !ok {
			return fmt.Errorf("policy: %w: %s (profile %s)", ErrRuleNotRegistered, name, p.Name())
		}
	}
	return nil
}
