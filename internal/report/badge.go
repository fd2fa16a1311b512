// Package report собирает итоговый документ прогона (badge.json).
package report

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/behavior"
	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/domain"
)

// FormatVersion — версия формата badge.json.
const FormatVersion = "flightrec-badge/1"

type Badge struct {
	Version          string                   `json:"version"`
	Status           domain.Status            `json:"status"`
	Stats            domain.Stats             `json:"stats"`
	Counts           domain.Counts            `json:"counts"`
	BehaviorSummary  domain.BehaviorSummary   `json:"behavior_summary"`
	Highlights       []domain.Highlight       `json:"highlights"`
	Tip              string                   `json:"tip"`
	PolicySimulation *domain.PolicySimulation `json:"policy_simulation,omitempty"`
}

// NewBadge. sim == nil — симуляция политики выключена.
func NewBadge(facts behavior.Facts, tip string, sim *domain.PolicySimulation) Badge {
	highlights := facts.Highlights
	if highlights == nil {
		highlights = []domain.Highlight{}
	}
	return Badge{
		Version:          FormatVersion,
		Status:           facts.Status(),
		Stats:            facts.Stats,
		Counts:           facts.Counts,
		BehaviorSummary:  facts.Summary,
		Highlights:       highlights,
		Tip:              tip,
		PolicySimulation: sim,
	}
}

// Marshal — детерминированный JSON с отступом в два пробела и переводом строки в конце.
// Ключи map сортируются encoding/json.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("report: encode: %w", err)
	}
	return buf.Bytes(), nil
}
