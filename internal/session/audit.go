package session

// AuditEntry records one applied mutation for the offline audit trail.
// Entries are write-only observability; nothing ever reads them back.
type AuditEntry struct {
	At       int64  `json:"at"`
	Session  string `json:"session"`
	ClientID int    `json:"clientId,omitempty"`
	Op       string `json:"op"`
	WorldID  int    `json:"worldId,omitempty"`
}

// AuditLogger is implemented in internal/persistence/log. A nil logger
// disables auditing.
type AuditLogger interface {
	WriteAudit(entry AuditEntry) error
}
