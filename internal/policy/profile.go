package policy

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/risk"
)

var ErrUnknownProfile = errors.New("unknown profile")

const (
	ProfileDefault = "default"
	ProfileStrict  = "strict"
	ProfileMinimal = "minimal"
)

// Старые ключи policy_rules и группы правил, которые они переключают.
var legacyGroups = map[string][]string{
	"block_unpinned_deps": {RuleUnpinnedDependency, RuleUndeclaredDepInstall},
	"block_undeclared_actions": {
		RuleRemoteScript, RuleUndeclaredExecution, RuleUndeclaredFileMutation,
		RuleUndeclaredEgress, RuleUndeclaredCredentialSend,
	},
	"block_sensitive_access": {RuleSensitivePathMutation, RuleLocalhostWS},
	"block_sql_risks":        {RuleSuspiciousQuery},
	"block_api_exposure":     {RuleCredentialExposure},
	"block_high_memory":      {RuleHighMemory},
	"block_evidence_gap":     {RuleEvidenceGap},
}

func builtinProfile(name string) (map[string]bool, bool) {
	rules := make(map[string]bool)
	switch name {
	case ProfileDefault:
		for _, r := range builtinRules {
			rules[r.name] = r.name != RuleEvidenceGap && r.name != RuleUnknownEvent
		}
	case ProfileStrict:
		for _, r := range builtinRules {
			rules[r.name] = true
		}
	case ProfileMinimal:
		for _, r := range builtinRules {
			rules[r.name] = false
		}
		for _, n := range []string{RuleUnpinnedDependency, RuleRemoteScript, RuleSensitivePathMutation, RuleCredentialExposure} {
			rules[n] = true
		}
	default:
		return nil, false
	}
	return rules, true
}

// BuiltinProfiles — имена встроенных профилей.
func BuiltinProfiles() []string {
	return []string{ProfileDefault, ProfileStrict, ProfileMinimal}
}

// Profile — разрешенный профиль. После Resolve не меняется.
type Profile struct {
	name        string
	rules       map[string]bool
	thresholds  risk.Thresholds
	regoModules []string
}

func (p Profile) Name() string { return p.name }

// Enabled — включено ли правило. Неизвестное правило выключено.
func (p Profile) Enabled(rule string) bool { return p.rules[rule] }

// EnabledRules — включенные правила в порядке каталога.
func (p Profile) EnabledRules() []string {
	var out []string
	for _, n := range KnownRules() {
		if p.rules[n] {
			out = append(out, n)
		}
	}
	return out
}

func (p Profile) Thresholds() risk.Thresholds {
	th := p.thresholds
	th.SensitivePaths = append([]string(nil), th.SensitivePaths...)
	return th
}

func (p Profile) RegoModules() []string {
	return append([]string(nil), p.regoModules...)
}

// Template — разрешенный профиль в виде документа (policy_template.json).
type Template struct {
	Profile         string          `json:"profile"`
	Rules           map[string]bool `json:"rules"`
	SensitivePaths  []string        `json:"sensitive_paths"`
	MemoryThreshold int64           `json:"memory_threshold"`
	RegoModules     []string        `json:"rego_modules,omitempty"`
}

func (p Profile) Template() Template {
	rules := make(map[string]bool, len(p.rules))
	for _, n := range KnownRules() {
		rules[n] = p.rules[n]
	}
	return Template{
		Profile:         p.name,
		Rules:           rules,
		SensitivePaths:  append([]string(nil), p.thresholds.SensitivePaths...),
		MemoryThreshold: p.thresholds.MemoryCeiling,
		RegoModules:     p.RegoModules(),
	}
}

// Resolve строит профиль: базовый набор, правила профиля, старые policy_rules,
// затем overrides. doc может быть nil.
func Resolve(doc *Document, name string) (Profile, error) {
	if doc == nil {
		doc = &Document{}
	}
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = ProfileDefault
	}

	// 1. База и правила профиля
	rules, err := doc.profileRules(name, nil)
	if err != nil {
		return Profile{}, err
	}

	// 2. Старые ключи policy_rules
	for _, key := range sortedKeys(doc.PolicyRules) {
		group, ok := legacyGroups[key]
		if !ok {
			return Profile{}, fmt.Errorf("policy: policy_rules.%s: %w", key, ErrUnknownRule)
		}
		for _, r := range group {
			rules[r] = doc.PolicyRules[key]
		}
	}

	// 3. Overrides
	if err := apply(rules, doc.Overrides, "overrides"); err != nil {
		return Profile{}, err
	}

	// 4. Rego включается вместе с модулями, если явно не выключен
	if _, set := rules[RuleCustomRego]; !set {
		rules[RuleCustomRego] = len(doc.RegoModules) > 0
	}
	if len(doc.RegoModules) == 0 {
		rules[RuleCustomRego] = false
	}

	// 5. Пороги
	th := risk.DefaultThresholds()
	if doc.SensitivePaths != nil {
		th.SensitivePaths = append([]string(nil), doc.SensitivePaths...)
	}
	if doc.MemoryThreshold > 0 {
		th.MemoryCeiling = doc.MemoryThreshold
	}

	return Profile{
		name:        name,
		rules:       rules,
		thresholds:  th,
		regoModules: append([]string(nil), doc.RegoModules...),
	}, nil
}

func (d *Document) profileRules(name string, chain []string) (map[string]bool, error) {
	for _, seen := range chain {
		if seen == name {
			return nil, fmt.Errorf("policy: profile %q: base cycle %s", name, strings.Join(append(chain, name), " -> "))
		}
	}

	ps, custom := d.Profiles[name]
	if !custom {
		rules, ok := builtinProfile(name)
		if !ok {
			return nil, fmt.Errorf("policy: profile %q: %w", name, ErrUnknownProfile)
		}
		return rules, nil
	}

	base := strings.ToLower(strings.TrimSpace(ps.Base))
	if base == "" {
		base = ProfileDefault
	}
	var rules map[string]bool
	if base == name {
		// профиль с именем встроенного уточняет встроенный
		b, ok := builtinProfile(name)
		if !ok {
			return nil, fmt.Errorf("policy: profile %q: base %q: %w", name, base, ErrUnknownProfile)
		}
		rules = b
	} else {
		b, err := d.profileRules(base, append(chain, name))
		if err != nil {
			return nil, err
		}
		rules = b
	}
	if err := apply(rules, ps.Rules, "profiles."+name+".rules"); err != nil {
		return nil, err
	}
	return rules, nil
}

func apply(rules map[string]bool, layer map[string]bool, where string) error {
	for _, key := range sortedKeys(layer) {
		name := strings.ToLower(key)
		if !isKnownRule(name) {
			return fmt.Errorf("policy: %s.%s: %w", where, key, ErrUnknownRule)
		}
		rules[name] = layer[key]
	}
	return nil
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
