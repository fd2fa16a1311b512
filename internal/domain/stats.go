package domain

type Stats struct {
	TotalLines         int `json:"total_lines"`
	ValidEvents        int `json:"valid_events"`
	MalformedLines     int `json:"malformed_lines"`
	EvidenceGaps       int `json:"evidence_gaps"`
	UnknownTypes       int `json:"unknown_types"`
	HighlightCount     int `json:"highlight_count"`
	DistinctHighlights int `json:"distinct_highlights"`
}

// Accounted — сколько строк разложено по вариантам; всегда равно TotalLines.
func (s Stats) Accounted() int {
	return s.ValidEvents + s.MalformedLines + s.EvidenceGaps + s.UnknownTypes
}

type Counts struct {
	ByEventType   map[string]int `json:"by_event_type"`
	ByDomainClass map[string]int `json:"by_domain_class"`
}

// BehaviorSummary — отсортированные множества наблюдаемых значений.
type BehaviorSummary struct {
	Hosts          []string `json:"hosts"`
	Paths          []string `json:"paths"`
	Packages       []string `json:"packages"`
	CommandDigests []string `json:"command_digests"`
}
