package hostipc

import (
	"encoding/json"
	"fmt"
)

// Event names carried in [Message.Evt].
const (
	// Host to daemon.
	EvtActivity       = "ACTIVITY"
	EvtWindowState    = "WINDOW_STATE"
	EvtSetStatus      = "SET_STATUS"
	EvtLiveSession    = "LIVE_SESSION"
	EvtSetIdleTimeout = "SET_IDLE_TIMEOUT"
	EvtQuery          = "QUERY"
	EvtBeforeQuit     = "BEFORE_QUIT"

	// Daemon to host.
	EvtReady           = "READY"
	EvtStatus          = "STATUS"
	EvtCleanupComplete = "CLEANUP_COMPLETE"
	EvtError           = "ERROR"
)

// Handshake is the OpHandshake payload sent by the host.
type Handshake struct {
	Version int    `json:"v"`
	Client  string `json:"client"`
}

// Message is the OpFrame payload in both directions.
type Message struct {
	Evt   string          `json:"evt"`
	Nonce string          `json:"nonce,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// newMessage builds a Message with data marshaled into it.
func newMessage(evt, nonce string, data any) (Message, error) {
	msg := Message{Evt: evt, Nonce: nonce}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Message{}, fmt.Errorf("marshal %s data: %w", evt, err)
		}
		msg.Data = raw
	}
	return msg, nil
}

// decode unmarshals the message data into v.
func (m Message) decode(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s: missing data", m.Evt)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("%s: parse data: %w", m.Evt, err)
	}
	return nil
}

// ActivityData reports one raw input edge.
type ActivityData struct {
	Kind string `json:"kind"`
}

// WindowStateData reports a window lifecycle change.
type WindowStateData struct {
	State string `json:"state"`
}

// SetStatusData requests a manual status change.
type SetStatusData struct {
	Status string `json:"status"`
}

// LiveSessionData reports whether a live session is in progress.
type LiveSessionData struct {
	Active bool `json:"active"`
}

// SetIdleTimeoutData changes the inactivity timeout. Values below the
// minimum are clamped by the daemon.
type SetIdleTimeoutData struct {
	MS int64 `json:"ms"`
}

// ReadyData is sent once the handshake succeeds.
type ReadyData struct {
	Version   int    `json:"v"`
	SubjectID string `json:"subjectId"`
	SessionID string `json:"sessionId"`
}

// StatusData describes the daemon's current presence state.
type StatusData struct {
	SubjectID     string `json:"subjectId"`
	Status        string `json:"status"`
	AutoIdle      bool   `json:"autoIdle"`
	Live          bool   `json:"live"`
	IdleTimeoutMS int64  `json:"idleTimeoutMs"`
}

// ErrorData carries a request failure.
type ErrorData struct {
	Message string `json:"message"`
}
