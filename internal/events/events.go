// Package events defines the event subjects and payload types published
// on the muxbridge event bus.
package events

// Event types carried in bus.Event.Type.
const (
	SessionStatusChanged = "session.status_changed"
	SessionTitleChanged  = "session.title_changed"
	SessionMarker        = "session.marker"
	SessionDestroyed     = "session.destroyed"
)

// SubjectSessionStatus returns the per-session status subject. Observers
// subscribe here to translate engine status into agent_status frames.
func SubjectSessionStatus(sessionID string) string {
	return "session.status." + sessionID
}

// SubjectSessionTitle returns the per-session title subject.
func SubjectSessionTitle(sessionID string) string {
	return "session.title." + sessionID
}

// SubjectSessionAll matches every session event, for monitoring.
const SubjectSessionAll = "session.>"
