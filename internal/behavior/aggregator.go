// Package behavior сворачивает поток записей в факты прогона: счетчики,
// множества наблюдаемых значений, подсветки и итоговый статус.
package behavior

import (
	"sort"

	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/domain"
	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/flightlog"
	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/risk"
)

// UnspecifiedClass — класс домена для записей без domain_class.
const UnspecifiedClass = "UNSPECIFIED"

// Facts — неизменяемый снимок агрегатора. Это единственный вход политики.
type Facts struct {
	Stats      domain.Stats           `json:"stats"`
	Counts     domain.Counts          `json:"counts"`
	Summary    domain.BehaviorSummary `json:"behavior_summary"`
	Highlights []domain.Highlight     `json:"highlights"`
	Signals    []risk.Signal          `json:"signals"`
}

// Status: пробел важнее любой подсветки, подсветка важнее чистого прогона.
func (f Facts) Status() domain.Status {
	switch {
	case f.Stats.EvidenceGaps+f.Stats.MalformedLines > 0:
		return domain.StatusAttentionWithGaps
	case f.Stats.HighlightCount > 0:
		return domain.StatusAttention
	default:
		return domain.StatusObserved
	}
}

// SignalsByTag — сигналы одного тега в порядке записей.
func (f Facts) SignalsByTag(tags ...risk.Tag) []risk.Signal {
	var out []risk.Signal
	for _, s := range f.Signals {
		for _, t := range tags {
			if s.Tag == t {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

type set map[string]struct{}

func (s set) add(v string) {
	if v != "" {
		s[v] = struct{}{}
	}
}

func (s set) sorted() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Aggregator хранит собственное состояние и не трогает состояние цепочки.
type Aggregator struct {
	analyzer *risk.Analyzer

	stats    domain.Stats
	byType   map[string]int
	byClass  map[string]int
	hosts    set
	paths    set
	packages set
	commands set

	signals    []risk.Signal
	highlights []domain.Highlight
	tagIndex   map[risk.Tag]int
}

func NewAggregator(analyzer *risk.Analyzer) *Aggregator {
	return &Aggregator{
		analyzer: analyzer,
		byType:   make(map[string]int),
		byClass:  make(map[string]int),
		hosts:    make(set),
		paths:    make(set),
		packages: make(set),
		commands: make(set),
		tagIndex: make(map[risk.Tag]int),
	}
}

// Observe учитывает одну запись и возвращает ее сигналы.
// eventHash — event_hash той же записи из цепочки.
func (a *Aggregator) Observe(rec flightlog.Record, eventHash string) []risk.Signal {
	// 1. Счетчики вариантов
	a.stats.TotalLines++
	switch rec.Kind {
	case flightlog.KindValid:
		a.stats.ValidEvents++
	case flightlog.KindMalformed:
		a.stats.MalformedLines++
	case flightlog.KindGap:
		a.stats.EvidenceGaps++
	case flightlog.KindUnknown:
		a.stats.UnknownTypes++
	}

	// 2. Счетчики по типу и классу
	a.byType[rec.EventType()]++
	class := rec.Event.DomainClass
	if rec.Kind == flightlog.KindMalformed || class == "" {
		class = UnspecifiedClass
	}
	a.byClass[class]++

	// 3. Множества значений (только разобранные события известного типа)
	if rec.Kind == flightlog.KindValid || rec.Kind == flightlog.KindGap {
		a.collect(rec)
	}

	// 4. Подсветки
	signals := a.analyzer.Inspect(rec, eventHash)
	for _, s := range signals {
		a.signals = append(a.signals, s)
		a.stats.HighlightCount++
		if i, ok := a.tagIndex[s.Tag]; ok {
			a.highlights[i].Count++
			continue
		}
		a.tagIndex[s.Tag] = len(a.highlights)
		a.highlights = append(a.highlights, domain.Highlight{
			Tag:     string(s.Tag),
			Count:   1,
			Example: domain.Ref{Line: s.Line, Seq: s.Seq, EventHash: s.EventHash},
		})
	}
	a.stats.DistinctHighlights = len(a.highlights)
	return signals
}

func (a *Aggregator) collect(rec flightlog.Record) {
	ev := rec.Event
	switch rec.EventType() {
	case flightlog.TypeNetIO, flightlog.TypeWSConnect:
		a.hosts.add(risk.HostPort(ev, "host", "port"))
	case flightlog.TypeCredSend:
		a.hosts.add(risk.HostPort(ev, "target_host", "target_port"))
	case flightlog.TypeFileIO:
		a.paths.add(ev.FieldString("path"))
	case flightlog.TypeDepInstall:
		a.packages.add(risk.PackageRef(ev))
	case flightlog.TypeProcExec:
		a.commands.add(risk.CommandDigest(ev))
	}
}

// Facts возвращает копию текущего состояния.
func (a *Aggregator) Facts() Facts {
	return Facts{
		Stats: a.stats,
		Counts: domain.Counts{
			ByEventType:   copyCounts(a.byType),
			ByDomainClass: copyCounts(a.byClass),
		},
		Summary: domain.BehaviorSummary{
			Hosts:          a.hosts.sorted(),
			Paths:          a.paths.sorted(),
			Packages:       a.packages.sorted(),
			CommandDigests: a.commands.sorted(),
		},
		Highlights: append([]domain.Highlight{}, a.highlights...),
		Signals:    append([]risk.Signal{}, a.signals...),
	}
}

func copyCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
