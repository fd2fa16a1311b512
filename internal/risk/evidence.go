package risk

import (
	"net"
	"sort"
	"strings"

	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/digest"
	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/flightlog"
)

// Вспомогательные функции отдают только безопасные представления фактов:
// дайджесты, пути, host:port. Сырые команды, запросы и значения заголовков
// наружу не выходят.

// CommandDigest — cmd_digest из события, либо SHA-256 от cmd. Пусто, если команды нет.
func CommandDigest(ev flightlog.Event) string {
	if d := strings.TrimSpace(ev.FieldString("cmd_digest")); d != "" {
		return strings.ToLower(d)
	}
	if cmd := ev.FieldString("cmd"); cmd != "" {
		return digest.SHA256Hex([]byte(cmd))
	}
	return ""
}

// PackageRef — "pkg@ver", просто "pkg" или dep_name.
func PackageRef(ev flightlog.Event) string {
	pkg := strings.TrimSpace(ev.FieldString("package"))
	ver := strings.TrimSpace(ev.FieldString("version"))
	switch {
	case pkg != "" && ver != "":
		return pkg + "@" + ver
	case pkg != "":
		return pkg
	}
	return strings.TrimSpace(ev.FieldString("dep_name"))
}

// HostPort собирает "host:port" из полей hostKey/portKey.
func HostPort(ev flightlog.Event, hostKey, portKey string) string {
	host := strings.TrimSpace(ev.FieldString(hostKey))
	if host == "" {
		return ""
	}
	port := strings.TrimSpace(ev.FieldString(portKey))
	if port == "" {
		return host
	}
	return net.JoinHostPort(host, port)
}

// headerNames возвращает отсортированные имена заголовков без значений.
func headerNames(headers map[string]interface{}) []string {
	names := make([]string, 0, len(headers))
	for k := range headers {
		names = append(names, strings.ToLower(k))
	}
	sort.Strings(names)
	return names
}

func headersOf(ev flightlog.Event) map[string]interface{} {
	v, ok := ev.Field("headers")
	if !ok {
		return nil
	}
	h, _ := v.(map[string]interface{})
	return h
}

func boolField(ev flightlog.Event, key string) bool {
	v, ok := ev.Field(key)
	if !ok {
		return false
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return strings.EqualFold(strings.TrimSpace(b), "true")
	}
	return false
}
