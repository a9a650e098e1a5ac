// Package coreserver implements the Core-facing WebSocket server: plain
// and TLS listeners, per-connection request dispatch, subscription
// tracking, heartbeat, and event fan-out from the Entity Store, per
// spec.md §4.5.
package coreserver

import "encoding/json"

// Envelope is the Core wire frame, spec.md §6: "{kind, id?, msg,
// msg_data?, req_id?, code?}". One struct serves all three kinds
// (req/resp/event) the way the original protocol does; unused fields are
// omitted on the wire.
type Envelope struct {
	Kind    string          `json:"kind"`
	ID      int             `json:"id,omitempty"`
	ReqID   int             `json:"req_id,omitempty"`
	Msg     string          `json:"msg"`
	Code    int             `json:"code,omitempty"`
	Cat     string          `json:"cat,omitempty"`
	TS      string          `json:"ts,omitempty"`
	MsgData json.RawMessage `json:"msg_data,omitempty"`
}

// Envelope kinds.
const (
	KindRequest  = "req"
	KindResponse = "resp"
	KindEvent    = "event"
)

// Event categories carried on event envelopes.
const (
	CatDevice = "DEVICE"
	CatEntity = "ENTITY"
)

// Request message names dispatched by spec.md §4.5.
const (
	MsgGetDriverVersion      = "get_driver_version"
	MsgGetDeviceState        = "get_device_state"
	MsgGetAvailableEntities  = "get_available_entities"
	MsgGetEntityStates       = "get_entity_states"
	MsgSubscribeEvents       = "subscribe_events"
	MsgUnsubscribeEvents     = "unsubscribe_events"
	MsgEntityCommand         = "entity_command"
	MsgGetDriverMetadata     = "get_driver_metadata"
	MsgSetupDriver           = "setup_driver"
	MsgSetDriverUserData     = "set_driver_user_data"
)

// Event message names the server pushes unsolicited.
const (
	EventEntityChange       = "entity_change"
	EventDeviceState        = "device_state"
	EventDriverSetupChange  = "driver_setup_change"
)

// Event message names Core sends unsolicited, spec.md §4.6's standby
// lifecycle, grounded on original_source's R2Event::EnterStandby/ExitStandby.
const (
	EventEnterStandby = "enter_standby"
	EventExitStandby  = "exit_standby"
)

// responseData builds the msg_data payload for a response envelope,
// marshaling v (which may be nil for an empty acknowledgement).
func responseData(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

// newResponse builds a {kind:"resp"} envelope for reqID, matching the
// original protocol's WsMessage::response — code 200 unless overridden by
// the caller.
func newResponse(reqID int, msg string, code int, data any) Envelope {
	return Envelope{Kind: KindResponse, ReqID: reqID, Msg: msg, Code: code, MsgData: responseData(data)}
}

// errorMsgData is the {code, message} body of an error response, matching
// the original protocol's WsError shape.
type errorMsgData struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func newErrorResponse(reqID int, httpCode int, code, message string) Envelope {
	return newResponse(reqID, "result", httpCode, errorMsgData{Code: code, Message: message})
}
