package flightlog

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/digest"
)

// Kind — вариант записи. Набор закрыт: каждая строка попадает ровно в один.
type Kind int

const (
	KindValid Kind = iota
	KindMalformed
	KindGap
	KindUnknown
)

var kindNames = [...]string{"valid", "malformed", "gap", "unknown"}

func (k Kind) String() string {
	if int(k) < 0 || int(k) >= len(kindNames) {
		return "invalid"
	}
	return kindNames[k]
}

// Record — результат классификации одной строки журнала.
type Record struct {
	Line       int
	Kind       Kind
	Event      Event
	ParseError string   // только для KindMalformed
	Missing    []string // отсутствующие обязательные поля (KindGap)
	Incomplete bool     // источник выставил data_complete=false

	hasSeq    bool
	rawDigest string
}

// IsEvidenceGap — запись документирует пробел в доказательствах
// (нераспарсенная строка тоже пробел).
func (r Record) IsEvidenceGap() bool {
	return r.Kind == KindGap || r.Kind == KindMalformed
}

// TraceID с подстановкой UNKNOWN.
func (r Record) TraceID() string {
	if r.Kind == KindMalformed || r.Event.TraceID == "" {
		return UnknownTraceID
	}
	return r.Event.TraceID
}

// Seq возвращает номер события; без seq в источнике используется номер строки.
func (r Record) Seq() int64 {
	if r.Kind == KindMalformed || !r.hasSeq {
		return int64(r.Line)
	}
	return r.Event.Seq
}

// EventType с подстановками для нераспарсенных и безтиповых записей.
func (r Record) EventType() string {
	if r.Kind == KindMalformed {
		return TypeMalformedLine
	}
	if r.Event.EventType == "" {
		return TypeEvidenceGap
	}
	return r.Event.EventType
}

// PayloadDigest для нераспарсенной строки — SHA-256 ее сырых байт.
func (r Record) PayloadDigest() string {
	if r.Kind == KindMalformed {
		return r.rawDigest
	}
	return r.Event.PayloadDigest
}

// Details — то, что хэшируется как details в event_hash.
func (r Record) Details() map[string]interface{} {
	if r.Kind == KindMalformed {
		return map[string]interface{}{
			"line":  int64(r.Line),
			"error": r.ParseError,
		}
	}
	return r.Event.Attributes()
}

// Digest — event_hash: H(trace_id, seq, event_type, payload_digest, H(details)).
func (r Record) Digest() string {
	detailsHash := digest.SHA256Hex(digest.Canonical(r.Details()))
	return digest.Of(r.TraceID(), r.Seq(), r.EventType(), r.PayloadDigest(), detailsHash)
}

// Classify разбирает одну строку. Ошибки разбора становятся фактами, а не ошибками.
func Classify(line int, raw []byte) Record {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return malformed(line, digest.SHA256Hex(raw), "empty line")
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return malformed(line, digest.SHA256Hex(raw), err.Error())
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return malformed(line, digest.SHA256Hex(raw), "unexpected data after JSON value")
	}
	obj, ok := v.(map[string]interface{})
	if !ok {
		return malformed(line, digest.SHA256Hex(raw), "line is not a JSON object")
	}

	rec := Record{Line: line}
	rec.Event, rec.hasSeq, rec.Missing = decodeEvent(obj)
	rec.Incomplete = rec.Event.Incomplete()

	switch {
	case len(rec.Missing) > 0, rec.Incomplete, rec.Event.EventType == TypeEvidenceGap:
		rec.Kind = KindGap
	case !Known(rec.Event.EventType):
		rec.Kind = KindUnknown
	default:
		rec.Kind = KindValid
	}
	return rec
}

func malformed(line int, rawDigest, reason string) Record {
	return Record{
		Line:       line,
		Kind:       KindMalformed,
		ParseError: reason,
		rawDigest:  rawDigest,
	}
}

func decodeEvent(obj map[string]interface{}) (Event, bool, []string) {
	var (
		ev      Event
		missing []string
		hasSeq  bool
	)

	str := func(key string) string {
		s, ok := obj[key].(string)
		if !ok || strings.TrimSpace(s) == "" {
			missing = append(missing, key)
			return ""
		}
		return s
	}

	// Порядок обхода совпадает с RequiredFields, чтобы Missing был стабильным.
	for _, key := range RequiredFields {
		switch key {
		case "v":
			ev.Version = str(key)
		case "ts":
			ev.Timestamp = str(key)
		case "trace_id":
			ev.TraceID = str(key)
		case "seq":
			if n, ok := obj[key].(json.Number); ok {
				if i, err := n.Int64(); err == nil {
					ev.Seq = i
					hasSeq = true
					continue
				}
			}
			missing = append(missing, key)
		case "actor":
			ev.Actor = str(key)
		case "event_type":
			ev.EventType = str(key)
		case "payload_digest":
			ev.PayloadDigest = str(key)
		case "domain_class":
			ev.DomainClass = str(key)
		}
	}

	if b, ok := obj["declared"].(bool); ok {
		ev.Declared = &b
	}
	if b, ok := obj["data_complete"].(bool); ok {
		ev.DataComplete = &b
	}
	if d, ok := obj["details"].(map[string]interface{}); ok {
		ev.Details = d
	}

	// Значения, которые не удалось принять (чужие ключи и поля неверного типа),
	// остаются в Extra: они участвуют в хэше и ничего не теряется.
	for k, v := range obj {
		if isReservedKey(k) && accepted(&ev, hasSeq, k) {
			continue
		}
		if ev.Extra == nil {
			ev.Extra = make(map[string]interface{})
		}
		ev.Extra[k] = v
	}

	for _, key := range RequiredDetails(ev.EventType) {
		v, ok := ev.Field(key)
		if !ok || v == nil {
			missing = append(missing, "details."+key)
			continue
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			missing = append(missing, "details."+key)
		}
	}

	return ev, hasSeq, missing
}

func accepted(ev *Event, hasSeq bool, k string) bool {
	switch k {
	case "v":
		return ev.Version != ""
	case "ts":
		return ev.Timestamp != ""
	case "trace_id":
		return ev.TraceID != ""
	case "seq":
		return hasSeq
	case "actor":
		return ev.Actor != ""
	case "event_type":
		return ev.EventType != ""
	case "payload_digest":
		return ev.PayloadDigest != ""
	case "domain_class":
		return ev.DomainClass != ""
	case "declared":
		return ev.Declared != nil
	case "data_complete":
		return ev.DataComplete != nil
	case "details":
		return ev.Details != nil
	}
	return false
}

func isReservedKey(k string) bool {
	switch k {
	case "v", "ts", "trace_id", "seq", "actor", "event_type", "payload_digest", "domain_class",
		"declared", "details", "data_complete":
		return true
	}
	return false
}
