package sifcore

import (
	"encoding/json"

	"github.com/IMQS/log"
	"github.com/wI2L/jsondiff"
)

type AuditActionType string

const (
	AuditActionAuthentication AuditActionType = "Login"
	AuditActionLogout         AuditActionType = "Logout"
	AuditActionCreated        AuditActionType = "Created"
	AuditActionUpdated        AuditActionType = "Updated"
	AuditActionDeleted        AuditActionType = "Deleted"
	AuditActionResetPassword  AuditActionType = "Reset Password"
	AuditActionFailedLogin    AuditActionType = "Failed Login"
	AuditActionSuspended      AuditActionType = "Account Suspended"
	AuditActionResumed        AuditActionType = "Account Resumed"
)

type Auditor interface {
	AuditUserAction(identity, item, context string, auditActionType AuditActionType)
}

// logAuditor writes audit records into the regular service log. A site that
// needs a separate audit trail can replace Central.Auditor after construction.
type logAuditor struct {
	log *log.Logger
}

func NewLogAuditor(logger *log.Logger) Auditor {
	return &logAuditor{log: logger}
}

func (x *logAuditor) AuditUserAction(identity, item, context string, auditActionType AuditActionType) {
	x.log.Infof("Audit: identity=%v action=%v item=%v context=%v", identity, auditActionType, item, context)
}

// UserDocumentPatch renders an admin edit of a user document as an RFC 6902
// patch, so the audit trail records what changed rather than two full copies.
func UserDocumentPatch(before, after interface{}) (string, error) {
	a, err := json.Marshal(before)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(after)
	if err != nil {
		return "", err
	}
	patch, err := jsondiff.CompareJSON(a, b)
	if err != nil {
		return "", err
	}
	if patch == nil {
		return "[]", nil
	}
	raw, err := json.Marshal(patch)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
