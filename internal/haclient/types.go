package haclient

import (
	"encoding/json"
	"time"

	"habridge/internal/entity"
)

// Frame is the generic HA WebSocket message envelope, permissive enough
// to decode any of auth_required/auth_ok/auth_invalid/result/event/pong,
// spec.md §6 "HA-facing protocol".
type Frame struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *FrameError     `json:"error,omitempty"`
	Event   *FrameEvent     `json:"event,omitempty"`
	HAVersion string        `json:"ha_version,omitempty"`
}

// FrameError is HA's {code, message} error payload on a failed result.
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// FrameEvent is the event payload of an {type:"event"} frame.
type FrameEvent struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
}

// stateChangedData is the data payload of a state_changed event.
type stateChangedData struct {
	EntityID string   `json:"entity_id"`
	NewState *HAState `json:"new_state"`
	OldState *HAState `json:"old_state"`
}

// HAState is the wire shape of an HA entity state, spec.md §3 "HA Entity
// Snapshot".
type HAState struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
}

// authMessage is the outbound {type:"auth", access_token}.
type authMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token"`
}

// subscribeEventsMessage is the outbound subscribe_events request.
type subscribeEventsMessage struct {
	ID        int    `json:"id"`
	Type      string `json:"type"`
	EventType string `json:"event_type,omitempty"`
}

// getStatesMessage is the outbound get_states request.
type getStatesMessage struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
}

// callServiceMessage is the outbound call_service request, spec.md §4.1
// Encode output shape.
type callServiceMessage struct {
	ID          int            `json:"id"`
	Type        string         `json:"type"`
	Domain      string         `json:"domain"`
	Service     string         `json:"service"`
	ServiceData map[string]any `json:"service_data,omitempty"`
	Target      *serviceTarget `json:"target,omitempty"`
}

type serviceTarget struct {
	EntityID []string `json:"entity_id,omitempty"`
}

// pingMessage is the outbound application-level heartbeat, spec.md §4.2
// "Heartbeat".
type pingMessage struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
}

// unsubscribeEventsMessage is the outbound unsubscribe_events request.
type unsubscribeEventsMessage struct {
	ID           int    `json:"id"`
	Type         string `json:"type"`
	Subscription int    `json:"subscription"`
}

// PendingKind identifies the outbound request a Pending Request
// correlates a reply to, spec.md §3 "Pending Request (HA Client)".
type PendingKind int

const (
	KindAuth PendingKind = iota
	KindSubscribeEvents
	KindGetStates
	KindCallService
	KindPing
	KindUnsubscribe
)

// ToSnapshot converts the wire state into the mapper's input shape. A nil
// receiver (entity deleted from HA's registry) yields the zero value.
func (s *HAState) ToSnapshot() entity.HASnapshot {
	if s == nil {
		return entity.HASnapshot{}
	}
	return entity.HASnapshot{
		EntityID:    s.EntityID,
		State:       s.State,
		Attributes:  s.Attributes,
		LastChanged: s.LastChanged,
		LastUpdated: s.LastUpdated,
	}
}

// StateEvent is what the HA Client emits for every state_changed event it
// decodes off the wire — the structural HA->Core translation
// (mapper.Decode) happens downstream in the Entity Store, per spec.md
// §4.2 "decode -> emit" / §4.3.
type StateEvent struct {
	EntityID string
	OldState *HAState
	NewState *HAState
}
