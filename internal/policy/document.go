package policy

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/viper"
)

// ProfileSpec — пользовательский профиль: база и переключатели правил.
type ProfileSpec struct {
	Base  string          `mapstructure:"base"`
	Rules map[string]bool `mapstructure:"rules"`
}

// Document — файл профилей правил (YAML или JSON).
type Document struct {
	Profiles        map[string]ProfileSpec `mapstructure:"profiles"`
	Overrides       map[string]bool        `mapstructure:"overrides"`
	SensitivePaths  []string               `mapstructure:"sensitive_paths"`
	MemoryThreshold int64                  `mapstructure:"memory_threshold"`
	RegoModules     []string               `mapstructure:"rego_modules"`

	// PolicyRules — старый формат: block_* ключи, каждый переключает группу правил.
	PolicyRules map[string]bool `mapstructure:"policy_rules"`
}

// LoadDocument читает документ профилей. Неизвестные ключи и значения
// неверного типа — ошибка конфигурации. Пути rego_modules считаются
// относительно каталога документа.
func LoadDocument(path string) (*Document, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext == "" {
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("policy: read profile document: %w", err)
	}

	var doc Document
	if err := v.UnmarshalExact(&doc); err != nil {
		return nil, fmt.Errorf("policy: decode profile document: %w", err)
	}
	if doc.MemoryThreshold < 0 {
		return nil, fmt.Errorf("policy: memory_threshold must be positive, got %d", doc.MemoryThreshold)
	}

	dir := filepath.Dir(path)
	for i, m := range doc.RegoModules {
		if !filepath.IsAbs(m) {
			doc.RegoModules[i] = filepath.Join(dir, m)
		}
	}
	return &doc, nil
}

// ProfileNames — имена пользовательских профилей, кроме уточнений встроенных.
func (d *Document) ProfileNames() []string {
	var out []string
	for name := range d.Profiles {
		name = strings.ToLower(name)
		if _, builtin := builtinProfile(name); builtin {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
