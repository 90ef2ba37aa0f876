package pipeline

import "qr-themer-server/modules/common/model"

// Event types pushed to connected clients over the websocket hub
const (
	EventState = "state" // pipeline state transition
	EventSlot  = "slot"  // one candidate's validation result landed
	EventToast = "toast" // non-fatal advisory (low quota, regeneration failure)
	EventError = "error" // fatal pipeline error, run abandoned
)

// Event - one progress message. Fields are populated per Type: State for
// state events, Index/Result/PayloadMatches for slot events, Message for
// toasts and errors, Remaining for quota advisories.
type Event struct {
	Type           string                  `json:"type"`
	State          string                  `json:"state,omitempty"`
	Index          int                     `json:"index,omitempty"`
	Result         *model.ValidationResult `json:"result,omitempty"`
	PayloadMatches *bool                   `json:"payload_matches,omitempty"`
	Message        string                  `json:"message,omitempty"`
	Remaining      int                     `json:"remaining,omitempty"`
}

// EventSink - where pipeline progress goes. The websocket hub implements this;
// tests substitute a recorder.
type EventSink interface {
	Publish(event Event)
}

// NoopSink - discards everything, for wiring without a hub
type NoopSink struct{}

func (NoopSink) Publish(Event) {}
