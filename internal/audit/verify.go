package audit

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/digest"
)

// FindingKind — класс нарушения целостности.
type FindingKind string

const (
	FindingSentinel FindingKind = "sentinel" // первый prev_hash не нулевой
	FindingLink     FindingKind = "link"     // prev_hash не равен хэшу предыдущего звена
	FindingFormat   FindingKind = "format"   // поле дайджеста не 64 hex
	FindingDigest   FindingKind = "digest"   // receipt_hash не пересчитывается
	FindingDecode   FindingKind = "decode"   // строку не удалось разобрать
	FindingEncoding FindingKind = "encoding" // строка разобрана, но байты не канонические
)

type Finding struct {
	Index   int         `json:"index"`
	Kind    FindingKind `json:"kind"`
	Message string      `json:"message"`
}

// Report — результат проверки. Нарушения — данные, а не ошибки.
type Report struct {
	OK         bool      `json:"ok"`
	Total      int       `json:"total"`
	Tip        string    `json:"tip"`
	FirstBreak int       `json:"first_break"`
	Findings   []Finding `json:"findings"`
}

type verifier struct {
	report   Report
	prev     string
	prevSeen bool
}

func newVerifier() *verifier {
	return &verifier{report: Report{FirstBreak: -1, Findings: []Finding{}, Tip: digest.Zero}}
}

func (v *verifier) add(index int, kind FindingKind, format string, args ...interface{}) {
	v.report.Findings = append(v.report.Findings, Finding{Index: index, Kind: kind, Message: fmt.Sprintf(format, args...)})
	if v.report.FirstBreak < 0 || index < v.report.FirstBreak {
		v.report.FirstBreak = index
	}
}

func (v *verifier) check(i int, r Receipt) {
	// 1. Формат дайджестов
	wellFormed := true
	for _, f := range []struct{ name, value string }{
		{"event_hash", r.EventHash},
		{"prev_hash", r.PrevHash},
		{"receipt_hash", r.ReceiptHash},
	} {
		if !digest.IsHex64(f.value) {
			wellFormed = false
			v.add(i, FindingFormat, "%s is not a 64-char lowercase hex digest", f.name)
		}
	}

	// 2. Связь со сентинелом или предыдущим звеном
	switch {
	case i == 0:
		if r.PrevHash != digest.Zero {
			v.add(i, FindingSentinel, "first prev_hash is not the zero sentinel")
		}
	case v.prevSeen:
		if r.PrevHash != v.prev {
			v.add(i, FindingLink, "prev_hash does not match receipt_hash of receipt %d", i-1)
		}
	}

	// 3. Пересчет собственного хэша
	if wellFormed && r.ComputeHash() != r.ReceiptHash {
		v.add(i, FindingDigest, "receipt_hash does not match receipt contents")
	}

	v.prev, v.prevSeen = r.ReceiptHash, true
	v.report.Tip = r.ReceiptHash
}

// skip — звено не разобрано: связь со следующим проверить нельзя.
func (v *verifier) skip(i int, err error) {
	v.add(i, FindingDecode, "undecodable receipt: %v", err)
	v.prevSeen = false
}

func (v *verifier) finish(total int) Report {
	v.report.Total = total
	v.report.OK = len(v.report.Findings) == 0
	return v.report
}

// Verify проверяет цепочку целиком и сообщает обо всех нарушениях, а не только о первом.
func Verify(receipts []Receipt) Report {
	v := newVerifier()
	for i, r := range receipts {
		v.check(i, r)
	}
	return v.finish(len(receipts))
}

// VerifyStream читает receipts.jsonl. Ошибка возвращается только при сбое чтения.
func VerifyStream(src io.Reader) (Report, error) {
	v := newVerifier()
	br := bufio.NewReader(src)
	i := 0
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			r, decErr := decodeReceipt(bytes.TrimSuffix(line, []byte{'\n'}))
			switch {
			case errors.Is(decErr, ErrNonCanonical):
				v.add(i, FindingEncoding, "receipt bytes differ from canonical encoding")
				v.check(i, r)
			case decErr != nil:
				v.skip(i, decErr)
			default:
				v.check(i, r)
			}
			i++
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Report{}, fmt.Errorf("audit: read receipts: %w", err)
		}
	}
	return v.finish(i), nil
}

// ReadJSONL разбирает файл квитанций; первая неразборная строка — ошибка.
func ReadJSONL(src io.Reader) ([]Receipt, error) {
	var out []Receipt
	br := bufio.NewReader(src)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			r, decErr := decodeReceipt(bytes.TrimSuffix(line, []byte{'\n'}))
			if decErr != nil {
				return nil, fmt.Errorf("audit: receipt %d: %w", len(out), decErr)
			}
			out = append(out, r)
		}
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("audit: read receipts: %w", err)
		}
	}
}
