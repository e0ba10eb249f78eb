package domain

import "time"

// Turn is a single immutable role-tagged message within a session.
type Turn struct {
	SessionID string    `json:"session_id"`
	MessageID string    `json:"message_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the conversation state held by the session registry.
// ModelID is the session default and may be empty, meaning the process-wide
// default applies.
type Session struct {
	ID           string    `json:"id"`
	ModelID      string    `json:"model_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Turns        []Turn    `json:"turns"`
}

// CountRoles returns the number of user and assistant turns.
func (s *Session) CountRoles() (user, assistant int) {
	for _, t := range s.Turns {
		switch t.Role {
		case RoleUser:
			user++
		case RoleAssistant:
			assistant++
		}
	}
	return user, assistant
}

// LastTimestamp returns the timestamp of the newest turn, or the zero time.
func (s *Session) LastTimestamp() time.Time {
	if len(s.Turns) == 0 {
		return time.Time{}
	}
	return s.Turns[len(s.Turns)-1].Timestamp
}
