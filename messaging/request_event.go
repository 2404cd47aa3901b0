package messaging

// RequestEvent is one inbound request as seen by server listeners.
// Listeners may keep the event after returning and respond later.
type RequestEvent struct {
	ReplyTo       string // Topic the requester listens on
	CorrelationID string // Token the response has to carry
	Body          []byte
}
