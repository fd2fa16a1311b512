// Package flightlog читает чужой JSONL-журнал агента и раскладывает каждую строку
// в один из закрытого набора вариантов записи. Ни одна строка не теряется.
package flightlog

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Event — одно наблюдаемое действие агента (одна строка журнала).
type Event struct {
	Version       string `json:"v"`
	Timestamp     string `json:"ts"`
	TraceID       string `json:"trace_id"`
	Seq           int64  `json:"seq"`
	Actor         string `json:"actor"`
	EventType     string `json:"event_type"`
	PayloadDigest string `json:"payload_digest"`
	DomainClass   string `json:"domain_class"`

	Declared     *bool                  `json:"declared,omitempty"`
	Details      map[string]interface{} `json:"details,omitempty"`
	DataComplete *bool                  `json:"data_complete,omitempty"`

	// Extra — нестандартные ключи верхнего уровня (старые журналы кладут cmd/path прямо в корень).
	Extra map[string]interface{} `json:"-"`
}

// Field ищет значение сначала в details, затем среди ключей верхнего уровня.
func (e Event) Field(key string) (interface{}, bool) {
	if v, ok := e.Details[key]; ok {
		return v, true
	}
	v, ok := e.Extra[key]
	return v, ok
}

// FieldString возвращает значение поля строкой; отсутствующее поле и null дают "".
func (e Event) FieldString(key string) string {
	v, ok := e.Field(key)
	if !ok {
		return ""
	}
	return stringify(v)
}

// FieldInt разбирает целое значение поля; нечисловое значение дает ok=false.
func (e Event) FieldInt(key string) (int64, bool) {
	v, ok := e.Field(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		if f, err := n.Float64(); err == nil {
			return int64(f), true
		}
	case string:
		if i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64); err == nil {
			return i, true
		}
	}
	return 0, false
}

// IsDeclared: флаг верхнего уровня важнее флага в details; отсутствие флага — не заявлено.
func (e Event) IsDeclared() bool {
	if e.Declared != nil {
		return *e.Declared
	}
	if v, ok := e.Details["declared"]; ok {
		b, isBool := v.(bool)
		return isBool && b
	}
	return false
}

// Incomplete сообщает, что источник сам пометил событие как неполное.
func (e Event) Incomplete() bool {
	if e.DataComplete != nil && !*e.DataComplete {
		return true
	}
	if v, ok := e.Details["data_complete"]; ok {
		if b, isBool := v.(bool); isBool && !b {
			return true
		}
	}
	return false
}

// Attributes — все поля, которые может прочитать классификатор, кроме
// идентичности события. Именно этот вид хэшируется в event_hash как details.
func (e Event) Attributes() map[string]interface{} {
	out := make(map[string]interface{}, len(e.Extra)+len(e.Details)+2)
	for k, v := range e.Extra {
		out[k] = v
	}
	if e.Declared != nil {
		out["declared"] = *e.Declared
	}
	if e.DataComplete != nil {
		out["data_complete"] = *e.DataComplete
	}
	for k, v := range e.Details {
		out[k] = v
	}
	return out
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
