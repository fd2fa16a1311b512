package flightlog

// Типы событий ядра.
const (
	TypeFileIO     = "FILE_IO"
	TypeNetIO      = "NET_IO"
	TypeProcExec   = "PROC_EXEC"
	TypeDepInstall = "DEP_INSTALL"
)

// Расширения (RFC-001 details и draft-003).
const (
	TypeDatabaseOp    = "DATABASE_OP"
	TypeAPICall       = "API_CALL"
	TypeMemoryAccess  = "MEMORY_ACCESS"
	TypeWSConnect     = "WS_CONNECT"
	TypeGatewayURLSet = "GATEWAY_URL_SET"
	TypeCredSend      = "CRED_SEND"
	TypeEvidenceGap   = "EVIDENCE_GAP"
)

// TypeMalformedLine — синтетический тип для строк, которые не удалось разобрать.
const TypeMalformedLine = "MALFORMED_LINE"

// UnknownTraceID подставляется, когда trace_id отсутствует.
const UnknownTraceID = "UNKNOWN"

var coreTypes = map[string]struct{}{
	TypeFileIO:     {},
	TypeNetIO:      {},
	TypeProcExec:   {},
	TypeDepInstall: {},
}

var extensionTypes = map[string]struct{}{
	TypeDatabaseOp:    {},
	TypeAPICall:       {},
	TypeMemoryAccess:  {},
	TypeWSConnect:     {},
	TypeGatewayURLSet: {},
	TypeCredSend:      {},
	TypeEvidenceGap:   {},
}

// RequiredFields — обязательные поля верхнего уровня для любого события.
var RequiredFields = []string{
	"v", "ts", "trace_id", "seq", "actor", "event_type", "payload_digest", "domain_class",
}

var requiredDetails = map[string][]string{
	TypeNetIO:         {"host", "port", "direction"},
	TypeFileIO:        {"path", "op"},
	TypeDatabaseOp:    {"db_type", "query"},
	TypeAPICall:       {"endpoint"},
	TypeMemoryAccess:  {"size"},
	TypeWSConnect:     {"host", "port", "direction", "protocol"},
	TypeGatewayURLSet: {"gateway_source", "url_digest", "validation_result"},
	TypeCredSend:      {"cred_type", "cred_digest", "target_host", "target_port", "transport"},
}

// Known сообщает, входит ли тип в каталог ядра или расширений.
func Known(eventType string) bool {
	if _, ok := coreTypes[eventType]; ok {
		return true
	}
	_, ok := extensionTypes[eventType]
	return ok
}

// IsCore — тип из базового набора.
func IsCore(eventType string) bool {
	_, ok := coreTypes[eventType]
	return ok
}

// RequiredDetails возвращает обязательные поля details для типа (может быть nil).
func RequiredDetails(eventType string) []string {
	return requiredDetails[eventType]
}
