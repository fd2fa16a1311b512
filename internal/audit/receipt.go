package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/digest"
)

// Receipt — одно звено цепочки. После записи не меняется.
type Receipt struct {
	TraceID     string `json:"trace_id"`
	Seq         int64  `json:"seq"`
	EventType   string `json:"event_type"`
	EventHash   string `json:"event_hash"`
	PrevHash    string `json:"prev_hash"`
	ReceiptHash string `json:"receipt_hash"`
}

// ErrNonCanonical — строка разбирается, но отличается от того, что пишет WriteJSONL.
// encoding/json сравнивает ключи без учета регистра, поэтому "Seq" иначе прошел бы как "seq".
var ErrNonCanonical = errors.New("non-canonical receipt encoding")

// ComputeHash пересчитывает receipt_hash из собственных полей звена.
func (r Receipt) ComputeHash() string {
	return digest.Of(r.PrevHash, r.EventHash, r.Seq, r.EventType, r.TraceID)
}

// WriteJSONL пишет по одному объекту в строке, поля в фиксированном порядке.
func WriteJSONL(w io.Writer, receipts []Receipt) error {
	enc := newReceiptEncoder(w)
	for i, r := range receipts {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("audit: write receipt %d: %w", i, err)
		}
	}
	return nil
}

// MarshalJSONL — то же в память.
func MarshalJSONL(receipts []Receipt) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteJSONL(&buf, receipts); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func newReceiptEncoder(w io.Writer) *json.Encoder {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc
}

// decodeReceipt строго разбирает одну строку receipts.jsonl (без '\n').
// Разобранная, но неканоническая строка возвращает звено вместе с ErrNonCanonical.
func decodeReceipt(line []byte) (Receipt, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.DisallowUnknownFields()
	var r Receipt
	if err := dec.Decode(&r); err != nil {
		return Receipt{}, err
	}
	if dec.More() {
		return Receipt{}, fmt.Errorf("unexpected data after receipt")
	}

	// Каждый байт строки должен совпасть с каноническим кодированием
	var canon bytes.Buffer
	if err := newReceiptEncoder(&canon).Encode(r); err != nil {
		return Receipt{}, err
	}
	if !bytes.Equal(bytes.TrimSuffix(canon.Bytes(), []byte{'\n'}), line) {
		return r, ErrNonCanonical
	}
	return r, nil
}
