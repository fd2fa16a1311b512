package domain

// Status — итоговый статус прогона.
type Status string

const (
	StatusObserved          Status = "OBSERVED"
	StatusAttention         Status = "ATTENTION"
	StatusAttentionWithGaps Status = "ATTENTION_WITH_GAPS"
)

// Ref ссылается на запись журнала только через номер строки, seq и дайджест.
type Ref struct {
	Line      int    `json:"line"`
	Seq       int64  `json:"seq"`
	EventHash string `json:"event_hash"`
}

// Highlight — подсветка после дедупликации по тегу.
// Count хранит все вхождения, Example указывает на первое.
type Highlight struct {
	Tag     string `json:"tag"`
	Count   int    `json:"count"`
	Example Ref    `json:"example"`
}

// Violation — срабатывание правила. Ссылается на уже отредактированные факты,
// сырые payload сюда не попадают.
type Violation struct {
	Rule   string `json:"rule"`
	Reason string `json:"reason"`
	Count  int    `json:"count"`
	Refs   []Ref  `json:"refs"`
}

// PolicySimulation — советующий блок: ничего не блокирует, только сообщает,
// что заблокировала бы политика.
type PolicySimulation struct {
	Enabled        bool        `json:"enabled"`
	Profile        string      `json:"profile"`
	WouldBlock     bool        `json:"would_block"`
	ViolationCount int         `json:"violation_count"`
	Violations     []Violation `json:"violations"`
}

// Decide — would_block выводится только из числа нарушений.
func (p *PolicySimulation) Decide() bool {
	if p == nil {
		return false
	}
	p.ViolationCount = len(p.Violations)
	p.WouldBlock = p.ViolationCount > 0
	return p.WouldBlock
}
