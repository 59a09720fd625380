package protocol

import "time"

// Bus subjects shared by the chat client and the daemon.
const (
	SubjectAuditPrefix            = "realtime.audit"
	SubjectAuditAll               = "realtime.audit.>"
	SubjectSessionAnnounce        = "realtime.session.announce"
	SubjectSessionHeartbeatPrefix = "realtime.session.heartbeat"
	SubjectSessionHeartbeatAll    = "realtime.session.heartbeat.*"
	SubjectSessionClosed          = "realtime.session.closed"

	// AuditStream is the JetStream stream retaining audit events until the
	// recorder has stored them.
	AuditStream = "REALTIME_AUDIT"
)

// AuditSubject returns the subject audit events of direction are published on.
func AuditSubject(direction string) string {
	return SubjectAuditPrefix + "." + direction
}

// HeartbeatSubject returns the heartbeat subject of one session.
func HeartbeatSubject(sessionID string) string {
	return SubjectSessionHeartbeatPrefix + "." + sessionID
}

// SessionAnnouncement is published when a chat client connects or changes
// persona.
type SessionAnnouncement struct {
	SessionID string    `json:"session_id"`
	Client    string    `json:"client"`
	Persona   string    `json:"persona"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionHeartbeat keeps a session marked live.
type SessionHeartbeat struct {
	SessionID string    `json:"session_id"`
	Persona   string    `json:"persona,omitempty"`
	Status    string    `json:"status,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionClosed is published when a chat client disconnects.
type SessionClosed struct {
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}
