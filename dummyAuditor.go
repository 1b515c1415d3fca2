package sifcore

// auditRecord is one captured AuditUserAction call.
type auditRecord struct {
	identity string
	item     string
	context  string
	action   AuditActionType
}

// dummyAuditor collects audit records in memory so tests can assert on what
// was audited, and with which action type.
type dummyAuditor struct {
	records []auditRecord
}

func (x *dummyAuditor) AuditUserAction(identity, item, context string, auditActionType AuditActionType) {
	x.records = append(x.records, auditRecord{
		identity: identity,
		item:     item,
		context:  context,
		action:   auditActionType,
	})
}

func (x *dummyAuditor) byAction(action AuditActionType) []auditRecord {
	matched := []auditRecord{}
	for _, rec := range x.records {
		if rec.action == action {
			matched = append(matched, rec)
		}
	}
	return matched
}
