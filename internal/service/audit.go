package service

import "github.com/policyd/policyd/internal/domain/plugin"

// AuditLevel selects which decisions reach the monitor pipeline, carried
// over from the source's CYNARA_AUDIT_LEVEL (src/common/log/AuditLog.cpp):
// NONE records nothing, DENY/ALLOW record only that outcome, ALL records
// everything. The source also has an OTHER level for policy types that are
// neither ALLOW nor DENY, but policyd's monitor pipeline only ever sees the
// binary plugin.Code a check resolves to (plugin.CodeAllow/plugin.CodeDeny),
// so OTHER is accepted as a config value for compatibility but behaves like
// NONE: no entry is ever neither.
type AuditLevel int

const (
	AuditNone AuditLevel = iota
	AuditDeny
	AuditAllow
	AuditOther
	AuditAll
)

// ParseAuditLevel maps a config string to an AuditLevel, defaulting to
// AuditAll for an empty or unrecognized value (matching AuditLog::stringToLevel's
// catch-all, though the source defaults the unrecognized case to NONE; ALL
// is policyd's documented default per the audit config section).
func ParseAuditLevel(s string) AuditLevel {
	switch s {
	case "NONE":
		return AuditNone
	case "DENY":
		return AuditDeny
	case "ALLOW":
		return AuditAllow
	case "OTHER":
		return AuditOther
	default:
		return AuditAll
	}
}

// shouldRecord reports whether a decision of the given code belongs on the
// monitor pipeline at this audit level.
func (l AuditLevel) shouldRecord(code plugin.Code) bool {
	switch l {
	case AuditNone, AuditOther:
		return false
	case AuditDeny:
		return code == plugin.CodeDeny
	case AuditAllow:
		return code == plugin.CodeAllow
	default:
		return true
	}
}
