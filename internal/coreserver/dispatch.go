package coreserver

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"habridge/internal/bridgeerr"
	"habridge/internal/entity"
	"habridge/internal/mapper"
	"habridge/internal/setup"
	"habridge/internal/store"
)

// dispatch routes an inbound envelope by kind then msg, spec.md §4.5
// "Request dispatch". Events (kind:"event") carry no req_id and get no
// response; requests always get exactly one.
func (s *Session) dispatch(env Envelope) {
	switch env.Kind {
	case KindRequest:
		s.dispatchRequest(env)
	case KindEvent:
		s.dispatchEvent(env)
	default:
		s.logger.Warn("core session sent frame with unknown kind, ignoring", zap.String("kind", env.Kind))
	}
}

// dispatchEvent handles the standby lifecycle Core drives unsolicited,
// spec.md §4.6: enter_standby/exit_standby toggle the Supervisor's
// disconnect_on_standby behavior via the callback wired at Server
// construction. Any other event kind is dropped.
func (s *Session) dispatchEvent(env Envelope) {
	if s.server.onStandby == nil {
		return
	}
	switch env.Msg {
	case EventEnterStandby:
		s.server.onStandby(true)
	case EventExitStandby:
		s.server.onStandby(false)
	}
}

func (s *Session) dispatchRequest(env Envelope) {
	switch env.Msg {
	case MsgGetDriverVersion:
		s.handleGetDriverVersion(env)
	case MsgGetDeviceState:
		s.handleGetDeviceState(env)
	case MsgGetDriverMetadata:
		s.handleGetDriverMetadata(env)
	case MsgGetAvailableEntities:
		s.handleGetAvailableEntities(env)
	case MsgGetEntityStates:
		s.handleGetEntityStates(env)
	case MsgSubscribeEvents:
		s.handleSubscribeEvents(env)
	case MsgUnsubscribeEvents:
		s.handleUnsubscribeEvents(env)
	case MsgEntityCommand:
		s.handleEntityCommand(env)
	case MsgSetupDriver:
		s.handleSetupDriver(env)
	case MsgSetDriverUserData:
		s.handleSetDriverUserData(env)
	default:
		s.respondError(env.ID, bridgeerr.ErrBadRequest, fmt.Sprintf("unknown message %q", env.Msg))
	}
}

// respond writes a successful {kind:"resp"} envelope.
func (s *Session) respond(reqID int, msg string, data any) {
	if err := s.writeEnvelope(newResponse(reqID, msg, 200, data)); err != nil {
		s.cancel()
	}
}

// respondError derives the spec.md §7 HTTP-style status code from err and
// writes it as a {kind:"resp", msg:"result"} error envelope.
func (s *Session) respondError(reqID int, err error, detail string) {
	code := bridgeerr.StatusCode(err)
	msg := detail
	if msg == "" {
		msg = err.Error()
	}
	if werr := s.writeEnvelope(newErrorResponse(reqID, code, statusCategory(code), msg)); werr != nil {
		s.cancel()
	}
}

func statusCategory(code int) string {
	switch code {
	case 400:
		return "BAD_REQUEST"
	case 401:
		return "AUTHORIZATION_ERROR"
	case 404:
		return "NOT_FOUND"
	case 422:
		return "INVALID_PARAMS"
	case 503:
		return "SERVICE_UNAVAILABLE"
	default:
		return "INTERNAL_ERROR"
	}
}

// driverVersionMsgData mirrors original_source's DriverVersionMsgData:
// {name, version:{api, driver}}.
type driverVersionMsgData struct {
	Name    string          `json:"name"`
	Version driverTripleMsg `json:"version"`
}

type driverTripleMsg struct {
	API    string `json:"api"`
	Driver string `json:"driver"`
}

func (s *Session) handleGetDriverVersion(env Envelope) {
	raw, err := s.server.metadata.Metadata()
	name := "Home Assistant"
	if err == nil {
		name = driverName(raw)
	}
	s.respond(env.ID, "driver_version", driverVersionMsgData{
		Name:    name,
		Version: driverTripleMsg{API: s.server.apiVersion, Driver: s.server.appVersion},
	})
}

// handleGetDeviceState reports the Supervisor's device state (NORMAL or
// STANDBY, following the last enter_standby/exit_standby event) as an
// event, matching original_source's r2_request.rs, which answers
// get_device_state with an event rather than a response. It only reports
// the state; standby transitions arrive through dispatchEvent.
func (s *Session) handleGetDeviceState(env Envelope) {
	data, _ := json.Marshal(map[string]string{"state": s.server.deviceState()})
	env2 := Envelope{Kind: KindEvent, Msg: EventDeviceState, Cat: CatDevice, MsgData: data}
	if err := s.writeEnvelope(env2); err != nil {
		s.cancel()
	}
}

func (s *Session) handleGetDriverMetadata(env Envelope) {
	raw, err := s.server.metadata.Metadata()
	if err != nil {
		s.respondError(env.ID, fmt.Errorf("%w: %v", bridgeerr.ErrBadRequest, err), "")
		return
	}
	s.respond(env.ID, "driver_metadata", prepareMetadata(raw, s.server.appVersion))
}

func (s *Session) handleGetAvailableEntities(env Envelope) {
	snapshot := s.server.store.Snapshot()
	entities := make([]wireEntity, 0, len(snapshot))
	for _, e := range snapshot {
		entities = append(entities, toWireEntity(e))
	}
	s.respond(env.ID, "available_entities", map[string]any{"available_entities": entities})
}

type getEntityStatesRequest struct {
	EntityIDs []string `json:"entity_ids"`
}

func (s *Session) handleGetEntityStates(env Envelope) {
	var req getEntityStatesRequest
	_ = json.Unmarshal(env.MsgData, &req)

	var entities []wireEntity
	if len(req.EntityIDs) == 0 {
		for _, e := range s.server.store.Snapshot() {
			entities = append(entities, toWireEntity(e))
		}
	} else {
		for _, id := range req.EntityIDs {
			if e, ok := s.server.store.Get(id); ok {
				entities = append(entities, toWireEntity(e))
			}
		}
	}
	s.respond(env.ID, "entity_states", entities)
}

type subscribeEventsRequest struct {
	EntityIDs []string `json:"entity_ids"`
}

func (s *Session) handleSubscribeEvents(env Envelope) {
	var req subscribeEventsRequest
	_ = json.Unmarshal(env.MsgData, &req)
	s.setSubscription(req.EntityIDs)
	s.respond(env.ID, "result", nil)
}

func (s *Session) handleUnsubscribeEvents(env Envelope) {
	var req subscribeEventsRequest
	_ = json.Unmarshal(env.MsgData, &req)
	s.removeSubscription(req.EntityIDs)
	s.respond(env.ID, "result", nil)
}

type entityCommandRequest struct {
	EntityID string         `json:"entity_id"`
	CmdID    string         `json:"cmd_id"`
	Params   map[string]any `json:"params"`
}

// handleEntityCommand validates entity presence, encodes via the Entity
// Mapper, and delegates to the HA Client, spec.md §4.5 "entity_command".
func (s *Session) handleEntityCommand(env Envelope) {
	var req entityCommandRequest
	if err := json.Unmarshal(env.MsgData, &req); err != nil {
		s.respondError(env.ID, fmt.Errorf("%w: %v", bridgeerr.ErrBadRequest, err), "")
		return
	}

	if _, ok := s.server.store.Get(req.EntityID); !ok {
		s.respondError(env.ID, bridgeerr.ErrNotFound, fmt.Sprintf("unknown entity %q", req.EntityID))
		return
	}

	call, err := mapper.Encode(entity.Command{EntityID: req.EntityID, CmdID: req.CmdID, Params: req.Params})
	if err != nil {
		s.respondError(env.ID, err, "")
		return
	}

	// Derived from the session's context: closing the session cancels
	// this call (spec.md §5 "Cancellation") but the HA-side effect still
	// completes; only the response back to the Core is dropped.
	err = s.server.client.CallService(s.ctx, call.Domain, call.Service, call.ServiceData, call.TargetID)
	if err != nil {
		s.respondError(env.ID, err, "")
		return
	}
	s.respond(env.ID, "result", nil)
}

type setupDriverRequest struct {
	SetupData   map[string]string `json:"setup_data"`
	Reconfigure bool              `json:"reconfigure"`
}

// handleSetupDriver starts the Setup State Machine, spec.md §4.4.
func (s *Session) handleSetupDriver(env Envelope) {
	var req setupDriverRequest
	if err := json.Unmarshal(env.MsgData, &req); err != nil {
		s.respondError(env.ID, fmt.Errorf("%w: %v", bridgeerr.ErrBadRequest, err), "")
		return
	}

	advanced := req.SetupData["expert"] == "true" || req.SetupData["advanced"] == "true"
	sreq := setup.Request{
		URL:         req.SetupData["url"],
		Token:       req.SetupData["token"],
		Advanced:    advanced,
		Reconfigure: req.Reconfigure,
	}

	res, err := s.server.setupMachine.Start(s.ctx, sreq)
	if err != nil {
		s.respondError(env.ID, err, "")
		return
	}
	s.respond(env.ID, "result", nil)
	s.publishSetupOutcome(res)
}

type setDriverUserDataRequest struct {
	InputValues map[string]string `json:"input_values"`
	Reconfigure bool              `json:"reconfigure"`
}

func (s *Session) handleSetDriverUserData(env Envelope) {
	var req setDriverUserDataRequest
	if err := json.Unmarshal(env.MsgData, &req); err != nil {
		s.respondError(env.ID, fmt.Errorf("%w: %v", bridgeerr.ErrBadRequest, err), "")
		return
	}

	res, err := s.server.setupMachine.SubmitUserData(s.ctx, req.Reconfigure, req.InputValues)
	if err != nil {
		s.respondError(env.ID, err, "")
		return
	}
	s.respond(env.ID, "result", nil)
	s.publishSetupOutcome(res)
}

// publishSetupOutcome pushes a driver_setup_change event carrying the
// Setup State Machine's outcome, matching original_source's
// DriverSetupChange events fired after setup_driver/set_driver_user_data.
func (s *Session) publishSetupOutcome(res setup.Result) {
	body := map[string]any{"event_type": string(res.Outcome)}
	if len(res.AdvancedFields) > 0 {
		body["require_user_action"] = map[string]any{
			"input": map[string]any{
				"title":    map[string]string{"en": "Advanced configuration"},
				"settings": res.AdvancedFields,
			},
		}
	}
	data, _ := json.Marshal(body)
	env := Envelope{Kind: KindEvent, Msg: EventDriverSetupChange, Cat: "SETUP", MsgData: data}
	if err := s.writeEnvelope(env); err != nil {
		s.cancel()
	}
}

// haComponentEntityChange is one element of the HAComponent dialect's
// compacted event batch, spec.md §9's open question: field names
// preserved from CoreAPI's per-entity shape. publishEntityChange puts a
// single change in each haComponentBatch; the batch size is fixed and
// not configurable.
type haComponentEntityChange struct {
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Attributes map[string]any `json:"attributes"`
}

type haComponentBatch struct {
	Changes []haComponentEntityChange `json:"changes"`
}

// publishEntityChange fans a Store delta out to this session in its
// negotiated dialect, spec.md §4.5 "Two wire dialects" — the Mapper
// output (delta.Entity/ChangedAttributes) is identical either way, only
// the envelope framing differs.
func (s *Session) publishEntityChange(delta store.Delta) {
	var data json.RawMessage
	switch s.kind {
	case DialectHAComponent:
		data, _ = json.Marshal(haComponentBatch{Changes: []haComponentEntityChange{{
			EntityType: string(delta.Entity.DeviceClass),
			EntityID:   delta.EntityID,
			Attributes: delta.ChangedAttributes,
		}}})
	default:
		data, _ = json.Marshal(toWireEntityChange(delta.Entity, delta.ChangedAttributes))
	}

	env := Envelope{Kind: KindEvent, Msg: EventEntityChange, Cat: CatEntity, MsgData: data}
	if err := s.writeEnvelope(env); err != nil {
		s.cancel()
	}
}
