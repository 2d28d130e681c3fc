package notify

import "encoding/json"

// Push event names delivered by the notification service. Older server
// builds emit "notification" instead of "new_notification"; both carry the
// same payload.
const (
	EventNew       = "new_notification"
	EventNewLegacy = "notification"
	EventRead      = "notification_read"
	EventReadAll   = "all_notifications_read"
)

// Events the client emits after a confirmed mutation so other connected
// surfaces for the same user converge.
const (
	EmitMarkRead    = "mark_as_read"
	EmitMarkAllRead = "mark_all_read"
	EmitJoin        = "join"
)

// Envelope is the JSON frame exchanged over the push connection.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ReadPayload is the body of notification_read events in both directions.
type ReadPayload struct {
	NotificationID string `json:"notificationId"`
}

// JoinPayload binds the connection to the user's room on connect.
type JoinPayload struct {
	UserID string `json:"userId"`
}

// NewEnvelope marshals a payload into an envelope for emission.
func NewEnvelope(event string, payload any) (Envelope, error) {
	env := Envelope{Event: event}
	if payload == nil {
		return env, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	env.Data = data
	return env, nil
}
