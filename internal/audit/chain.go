package audit

import (
	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/digest"
	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/flightlog"
)

// Link — шаг свертки: звено для записи rec после звена с хэшем prev.
func Link(prev string, rec flightlog.Record) Receipt {
	r := Receipt{
		TraceID:   rec.TraceID(),
		Seq:       rec.Seq(),
		EventType: rec.EventType(),
		EventHash: rec.Digest(),
		PrevHash:  prev,
	}
	r.ReceiptHash = r.ComputeHash()
	return r
}

// Chain накапливает звенья в порядке поступления записей.
// Состояние цепочки не пересекается с агрегатором.
type Chain struct {
	tip      string
	receipts []Receipt
}

func NewChain() *Chain {
	return &Chain{tip: digest.Zero}
}

// Append добавляет запись. Ни один вариант записи не пропускается.
func (c *Chain) Append(rec flightlog.Record) Receipt {
	r := Link(c.tip, rec)
	c.receipts = append(c.receipts, r)
	c.tip = r.ReceiptHash
	return r
}

// Tip — хэш последнего звена (для пустой цепочки — нулевой сентинел).
func (c *Chain) Tip() string { return c.tip }

func (c *Chain) Len() int { return len(c.receipts) }

func (c *Chain) Receipts() []Receipt {
	return append([]Receipt(nil), c.receipts...)
}

// Build сворачивает готовый список записей.
func Build(records []flightlog.Record) []Receipt {
	c := NewChain()
	for _, rec := range records {
		c.Append(rec)
	}
	return c.Receipts()
}
