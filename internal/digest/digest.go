// Package digest содержит детерминированное каноническое кодирование и SHA-256
// хелперы, на которых держится цепочка квитанций.
package digest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Zero — sentinel prev_hash для первой квитанции цепочки (64 ASCII нуля).
var Zero = strings.Repeat("0", 64)

// SHA256Hex возвращает hex-представление SHA-256 от b.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Of хэширует упорядоченный список частей как канонический JSON-массив.
// Массив исключает неоднозначность склейки ("ab","c" != "a","bc").
func Of(parts ...interface{}) string {
	return SHA256Hex(Canonical(parts))
}

// Canonical кодирует значение детерминированно: ключи объектов отсортированы,
// json.Number пишется как есть, HTML не экранируется.
// Работает на домене значений, которые выдает encoding/json (+ целые и срезы строк).
func Canonical(v interface{}) []byte {
	buf := &bytes.Buffer{}
	writeValue(buf, v)
	return buf.Bytes()
}

// IsHex64 проверяет формат дайджеста: ровно 64 символа нижнего регистра [0-9a-f].
func IsHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func writeValue(buf *bytes.Buffer, v interface{}) {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case string:
		writeString(buf, val)
	case bool:
		buf.WriteString(strconv.FormatBool(val))
	case json.Number:
		buf.WriteString(val.String())
	case int:
		buf.WriteString(strconv.Itoa(val))
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case float64:
		buf.WriteString(strconv.FormatFloat(val, 'g', -1, 64))
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, k)
			buf.WriteByte(':')
			writeValue(buf, val[k])
		}
		buf.WriteByte('}')
	case []interface{}:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeValue(buf, item)
		}
		buf.WriteByte(']')
	case []string:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, item)
		}
		buf.WriteByte(']')
	default:
		// Чужие типы сюда попадать не должны; фиксируем их строковое представление,
		// чтобы кодирование оставалось тотальным.
		writeString(buf, fmt.Sprintf("%T:%v", val, val))
	}
}

func writeString(buf *bytes.Buffer, s string) {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	// Кодирование строки не может завершиться ошибкой.
	_ = enc.Encode(s)
	// Encoder добавляет '\n' после значения.
	buf.Truncate(buf.Len() - 1)
}
