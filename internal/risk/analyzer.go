package risk

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/digest"
	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/flightlog"
	"go.uber.org/zap"
)

// Tag — имя условия-подсветки.
type Tag string

const (
	TagUnpinnedDep           Tag = "UNPINNED_DEP"
	TagUndeclaredDepInstall  Tag = "UNDECLARED_DEP_INSTALL"
	TagRemoteScript          Tag = "REMOTE_SCRIPT"
	TagUndeclaredExec        Tag = "UNDECLARED_EXEC"
	TagSensitivePathWrite    Tag = "SENSITIVE_PATH_WRITE"
	TagUndeclaredFileMut     Tag = "UNDECLARED_FILE_MUTATION"
	TagUndeclaredNetIO       Tag = "UNDECLARED_NET_IO"
	TagSQLInjectionRisk      Tag = "SQL_INJECTION_RISK"
	TagAPIKeyExposure        Tag = "API_KEY_EXPOSURE"
	TagMemoryOverflowRisk    Tag = "MEMORY_OVERFLOW_RISK"
	TagUntrustedGateway      Tag = "UNTRUSTED_GATEWAY_SOURCE"
	TagGatewayValidationSkip Tag = "GATEWAY_VALIDATION_SKIPPED"
	TagAllowlistMiss         Tag = "ALLOWLIST_MISS"
	TagAutoWSConnect         Tag = "AUTO_WS_CONNECT"
	TagWSToLocalhost         Tag = "WS_TO_LOCALHOST"
	TagCredCrossBoundary     Tag = "CRED_CROSS_BOUNDARY"
	TagUndeclaredCredSend    Tag = "UNDECLARED_CRED_SEND"
	TagEvidenceGap           Tag = "EVIDENCE_GAP"
	TagUnknownEventType      Tag = "UNKNOWN_EVENT_TYPE"
)

var (
	unpinnedVersion = regexp.MustCompile(`(?i)(^latest$)|(\*)`)
	remoteScript    = regexp.MustCompile(`(?i)(curl|wget).*\|.*(sh|bash|zsh)`)
)

// DefaultSensitivePaths — префиксы, запись под которыми подсвечивается.
var DefaultSensitivePaths = []string{"/etc/", "/var/log/", "/home/user/.ssh/"}

// DefaultMemoryCeiling — порог MEMORY_ACCESS в байтах.
const DefaultMemoryCeiling int64 = 1_000_000_000

// Thresholds — настраиваемые пороги анализатора.
type Thresholds struct {
	SensitivePaths []string `json:"sensitive_paths"`
	MemoryCeiling  int64    `json:"memory_threshold"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		SensitivePaths: append([]string(nil), DefaultSensitivePaths...),
		MemoryCeiling:  DefaultMemoryCeiling,
	}
}

// Signal — одно срабатывание условия на конкретной записи.
// Evidence содержит только отредактированные факты.
type Signal struct {
	Tag       Tag    `json:"tag"`
	Line      int    `json:"line"`
	Seq       int64  `json:"seq"`
	EventHash string `json:"event_hash"`
	Evidence  string `json:"evidence,omitempty"`
}

type Analyzer struct {
	th      Thresholds
	intents map[string]struct{}
	logger  *zap.Logger
}

// NewAnalyzer. declaredIntents — типы событий, заранее заявленные агентом.
func NewAnalyzer(th Thresholds, declaredIntents []string, logger *zap.Logger) *Analyzer {
	if th.MemoryCeiling <= 0 {
		th.MemoryCeiling = DefaultMemoryCeiling
	}
	intents := make(map[string]struct{}, len(declaredIntents))
	for _, it := range declaredIntents {
		if it = strings.TrimSpace(it); it != "" {
			intents[it] = struct{}{}
		}
	}
	return &Analyzer{th: th, intents: intents, logger: logger.Named("analyzer")}
}

// Declared: заявленный тип события важнее флагов в самой записи.
func (a *Analyzer) Declared(rec flightlog.Record) bool {
	if _, ok := a.intents[rec.EventType()]; ok {
		return true
	}
	return rec.Event.IsDeclared()
}

// Inspect возвращает сигналы записи в порядке проверки. eventHash — уже
// посчитанный event_hash записи, он становится ссылкой в сигнале.
func (a *Analyzer) Inspect(rec flightlog.Record, eventHash string) []Signal {
	var out []Signal
	emit := func(tag Tag, evidence string) {
		out = append(out, Signal{
			Tag:       tag,
			Line:      rec.Line,
			Seq:       rec.Seq(),
			EventHash: eventHash,
			Evidence:  evidence,
		})
	}

	// 1. Проверки по типу события (для разобранных записей известного типа)
	if rec.Kind == flightlog.KindValid || rec.Kind == flightlog.KindGap {
		a.inspectEvent(rec, emit)
	}

	// 2. Пробелы и неизвестные типы
	switch rec.Kind {
	case flightlog.KindMalformed:
		emit(TagEvidenceGap, "malformed line: "+rec.ParseError)
	case flightlog.KindGap:
		emit(TagEvidenceGap, gapEvidence(rec))
	case flightlog.KindUnknown:
		emit(TagUnknownEventType, "event_type="+rec.EventType())
	}

	for _, s := range out {
		a.logger.Debug("highlight",
			zap.String("tag", string(s.Tag)),
			zap.Int("line", s.Line),
			zap.Int64("seq", s.Seq),
		)
	}
	return out
}

func (a *Analyzer) inspectEvent(rec flightlog.Record, emit func(Tag, string)) {
	ev := rec.Event
	declared := a.Declared(rec)

	switch rec.EventType() {
	case flightlog.TypeDepInstall:
		ref := PackageRef(ev)
		ver := strings.TrimSpace(ev.FieldString("version"))
		if ver != "" && unpinnedVersion.MatchString(ver) {
			emit(TagUnpinnedDep, ref)
		} else if strings.Contains(ev.FieldString("dep_name"), "@latest") {
			emit(TagUnpinnedDep, ref)
		}
		if !declared {
			emit(TagUndeclaredDepInstall, ref)
		}

	case flightlog.TypeProcExec:
		cmdDigest := CommandDigest(ev)
		if cmd := ev.FieldString("cmd"); cmd != "" && remoteScript.MatchString(cmd) {
			emit(TagRemoteScript, "cmd_digest="+cmdDigest)
		}
		if !declared {
			emit(TagUndeclaredExec, "cmd_digest="+cmdDigest)
		}

	case flightlog.TypeFileIO:
		p := ev.FieldString("path")
		if isMutation(ev) {
			if a.sensitive(p) {
				emit(TagSensitivePathWrite, p)
			}
			if !declared {
				emit(TagUndeclaredFileMut, p)
			}
		}

	case flightlog.TypeNetIO:
		if strings.EqualFold(ev.FieldString("direction"), "OUT") && !declared {
			emit(TagUndeclaredNetIO, HostPort(ev, "host", "port"))
		}

	case flightlog.TypeDatabaseOp:
		q := strings.ToLower(ev.FieldString("query"))
		if strings.Contains(q, "drop") || (strings.Contains(q, "delete") && !strings.Contains(q, "where")) {
			emit(TagSQLInjectionRisk, fmt.Sprintf("db_type=%s query_digest=%s",
				ev.FieldString("db_type"), digest.SHA256Hex([]byte(ev.FieldString("query")))))
		}

	case flightlog.TypeAPICall:
		headers := headersOf(ev)
		if exposesCredential(headers) {
			emit(TagAPIKeyExposure, fmt.Sprintf("endpoint=%s headers=%s",
				ev.FieldString("endpoint"), strings.Join(headerNames(headers), ",")))
		}

	case flightlog.TypeMemoryAccess:
		if size, ok := ev.FieldInt("size"); ok && size > a.th.MemoryCeiling {
			emit(TagMemoryOverflowRisk, fmt.Sprintf("size=%d", size))
		}

	case flightlog.TypeGatewayURLSet:
		src := ev.FieldString("gateway_source")
		verdict := strings.ToUpper(ev.FieldString("validation_result"))
		evidence := fmt.Sprintf("source=%s validation=%s url_digest=%s", src, verdict, ev.FieldString("url_digest"))
		if src == "query_param" && verdict != "PASS" {
			emit(TagUntrustedGateway, evidence)
		}
		if verdict == "SKIP" {
			emit(TagGatewayValidationSkip, evidence)
		}
		if !boolField(ev, "allowlist_hit") {
			emit(TagAllowlistMiss, evidence)
		}

	case flightlog.TypeWSConnect:
		out := strings.EqualFold(ev.FieldString("direction"), "OUT")
		target := HostPort(ev, "host", "port")
		if out && boolField(ev, "auto_connect") {
			emit(TagAutoWSConnect, target)
		}
		if out && isLoopback(ev.FieldString("host")) {
			emit(TagWSToLocalhost, target)
		}

	case flightlog.TypeCredSend:
		evidence := fmt.Sprintf("cred_type=%s target=%s", ev.FieldString("cred_type"),
			HostPort(ev, "target_host", "target_port"))
		emit(TagCredCrossBoundary, evidence)
		if !declared {
			emit(TagUndeclaredCredSend, evidence)
		}
	}
}

// sensitive сравнивает нормализованный путь с префиксами ("/tmp/../etc/x" тоже попадает).
func (a *Analyzer) sensitive(raw string) bool {
	if raw == "" {
		return false
	}
	p := path.Clean(raw)
	for _, pfx := range a.th.SensitivePaths {
		if pfx == "" {
			continue
		}
		if underDir(p, path.Clean(pfx)) {
			return true
		}
	}
	return false
}

// underDir — p совпадает с root или лежит под ним. Сравнение по границам
// сегментов: /etc не покрывает /etcx.
func underDir(p, root string) bool {
	if root == "/" {
		return strings.HasPrefix(p, "/")
	}
	return p == root || strings.HasPrefix(p, root+"/")
}

func isMutation(ev flightlog.Event) bool {
	switch strings.ToLower(ev.FieldString("op")) {
	case "write", "delete", "create", "append":
		return true
	}
	mode := strings.ToLower(ev.FieldString("mode"))
	return mode != "" && strings.ContainsAny(mode[:1], "wax")
}

func isLoopback(host string) bool {
	switch strings.ToLower(strings.Trim(host, "[]")) {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

var redactionMarkers = map[string]struct{}{
	"REDACTED": {}, "MASKED": {}, "<REDACTED>": {}, "***": {},
}

func exposesCredential(headers map[string]interface{}) bool {
	for k, v := range headers {
		name := strings.ToLower(k)
		if !strings.HasPrefix(name, "authorization") && name != "x-api-key" &&
			name != "x_api_key" && name != "api-key" && name != "api_key" {
			continue
		}
		val := strings.TrimSpace(fmt.Sprint(v))
		if v == nil || val == "" {
			continue
		}
		if _, masked := redactionMarkers[strings.ToUpper(val)]; !masked {
			return true
		}
	}
	return false
}

func gapEvidence(rec flightlog.Record) string {
	var parts []string
	if len(rec.Missing) > 0 {
		parts = append(parts, "missing="+strings.Join(rec.Missing, ","))
	}
	if rec.Incomplete {
		parts = append(parts, "data_complete=false")
	}
	if len(parts) == 0 {
		return "reported by source"
	}
	return strings.Join(parts, " ")
}
