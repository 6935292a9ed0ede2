package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/roverlink/roverlink/internal/planner"
	"github.com/roverlink/roverlink/internal/types"
)

// Routing failures surfaced to administrative callers.
var (
	ErrTargetOffline = errors.New("target offline")
	ErrMissingTarget = errors.New("no target specified")
)

// Error codes carried in structured error replies to clients.
const (
	codeMalformed          = "malformed_message"
	codeTargetOffline      = "target_offline"
	codeMissingTarget      = "missing_target"
	codeUnknownDestination = "unknown_destination"
	codeInvalidNode        = "invalid_node"
	codeNoPath             = "no_path"
	codePlannerUnavailable = "planner_unavailable"
	codeEmptyText          = "empty_text"
)

// Router consumes inbound frames from endpoints, consults the registry, and
// dispatches outbound frames to one, many, or all endpoints. The emergency
// stop path is checked before any target resolution so the life-safety
// branch stays auditable in isolation.
type Router struct {
	log      zerolog.Logger
	registry *Registry
	grid     planner.Grid // nil when the grid failed to load; planning disabled
	pois     map[string]planner.Node
	primary  string // default target for single-device controls
}

// NewRouter creates a router over the given registry. grid may be nil, in
// which case request_route returns a structured error instead of planning.
// The router installs itself as the registry's lifecycle notifier.
func NewRouter(log zerolog.Logger, registry *Registry, grid planner.Grid, pois map[string]planner.Node, primary string) *Router {
	rt := &Router{
		log:      log,
		registry: registry,
		grid:     grid,
		pois:     pois,
		primary:  primary,
	}
	registry.SetNotifier(rt)
	return rt
}

// DeviceConnected implements Notifier: announce a newly registered pi to
// every frontend.
func (rt *Router) DeviceConnected(deviceID string) {
	rt.emitEvent(types.TypeDeviceConnected, map[string]any{"device_id": deviceID})
}

// DeviceDisconnected implements Notifier.
func (rt *Router) DeviceDisconnected(deviceID string) {
	rt.emitEvent(types.TypeDeviceDisconnected, map[string]any{"device_id": deviceID})
}

// HandleConnection owns one endpoint from accept to teardown: handshake,
// receive loop, then removal. Inbound frames from a single endpoint are
// processed strictly in arrival order because this is the only reader.
func (rt *Router) HandleConnection(ep Endpoint) {
	rt.registry.Accept(ep)
	defer func() {
		rt.registry.Remove(ep)
		ep.Close()
	}()

	first, err := ep.ReadMessage()
	if err != nil {
		return
	}
	deviceID, role := rt.register(ep, first)
	rt.log.Info().
		Str("device_id", deviceID).
		Str("role", string(role)).
		Str("remote_addr", ep.RemoteAddr()).
		Msg("endpoint registered")

	for {
		raw, err := ep.ReadMessage()
		if err != nil {
			rt.log.Debug().Err(err).Str("device_id", deviceID).Msg("connection closed")
			return
		}
		rt.dispatch(ep, deviceID, role, raw)
	}
}

// register applies the handshake frame. A frame that is not a valid
// handshake does not reject the connection: the endpoint is registered as an
// anonymous frontend instead, matching the tolerance viewers rely on.
func (rt *Router) register(ep Endpoint, raw []byte) (string, types.Role) {
	var env types.Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Action != types.ActionHandshake || env.SenderID() == "" {
		deviceID := "anon-" + uuid.NewString()[:8]
		rt.registry.Register(ep, deviceID, types.RoleFrontend, nil)
		rt.sendOrDrop(ep, types.Envelope{
			Action:  types.ActionAck,
			Type:    types.ActionHandshake,
			Payload: map[string]any{"device_id": deviceID, "role": types.RoleFrontend},
		})
		return deviceID, types.RoleFrontend
	}

	role := env.Role
	if !types.ValidRole(role) {
		role = types.RoleFrontend
	}
	deviceID := env.SenderID()
	rt.registry.Register(ep, deviceID, role, env.Payload)
	rt.sendOrDrop(ep, types.Envelope{
		Action:  types.ActionAck,
		Type:    types.ActionHandshake,
		Payload: map[string]any{"device_id": deviceID, "role": role},
	})
	return deviceID, role
}

// dispatch routes one post-handshake frame.
func (rt *Router) dispatch(ep Endpoint, senderID string, role types.Role, raw []byte) {
	var env types.Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Action == "" {
		rt.sendOrDrop(ep, errorReply("", codeMalformed, "frame is not a valid message envelope"))
		return
	}

	rt.registry.Touch(senderID, env.Payload)

	switch {
	case role == types.RolePi:
		// Everything a pi sends flows to the frontends; emergency_ack also
		// clears the sender's emergency flag.
		if env.Action == types.ActionTelemetry && env.Type == types.TypeEmergencyAck {
			rt.registry.SetEmergency(senderID, false)
		}
		rt.forwardToFrontends(senderID, &env)
	case env.Action == types.ActionControl:
		rt.handleControl(ep, senderID, &env)
	default:
		// Non-control traffic from a frontend is echoed back to the sender
		// only, preserving the raw packet.
		rt.sendOrDrop(ep, json.RawMessage(raw))
	}
}

// forwardToFrontends fans a frame out to every frontend, stamped with the
// sender's registered identity. Send failures remove the broken peer and
// are never surfaced to the sending device.
func (rt *Router) forwardToFrontends(senderID string, env *types.Envelope) {
	out := *env
	out.From = senderID
	out.DeviceID = ""
	for _, t := range rt.registry.Targets(types.RoleFrontend) {
		if err := t.Endpoint.Send(out); err != nil {
			rt.log.Warn().Err(err).Str("device_id", t.DeviceID).Msg("frontend send failed, removing")
			rt.removePeer(t.Endpoint)
		}
	}
}

// handleControl dispatches a control frame from a frontend. The emergency
// stop fast path runs before any target resolution.
func (rt *Router) handleControl(ep Endpoint, senderID string, env *types.Envelope) {
	if env.Type == types.TypeEmergencyStop {
		reached, total := rt.EmergencyStop(senderID, env.Payload)
		rt.sendOrDrop(ep, types.Envelope{
			Action:  types.ActionAck,
			Type:    types.TypeEmergencyStop,
			Payload: map[string]any{"devices_reached": reached, "devices_total": total},
		})
		return
	}

	if env.Type == types.TypeRequestRoute {
		rt.handleRequestRoute(ep, senderID, env)
		return
	}

	if env.Type == types.TypeQuickCommand {
		text, _ := env.Payload["text"].(string)
		if strings.TrimSpace(text) == "" {
			rt.sendOrDrop(ep, errorReply(env.Type, codeEmptyText, "quick_command requires a non-empty text payload"))
			return
		}
	}

	target, broadcast := resolveTarget(env)
	if broadcast {
		out := *env
		out.From = senderID
		out.Target = ""
		for _, t := range rt.registry.Targets(types.RolePi) {
			if err := t.Endpoint.Send(out); err != nil {
				rt.log.Warn().Err(err).Str("device_id", t.DeviceID).Msg("pi send failed, removing")
				rt.removePeer(t.Endpoint)
			}
		}
		return
	}

	if target == "" {
		switch env.Type {
		case types.TypeMicrophoneOpen, types.TypeMicrophoneClose:
			target = rt.primary
		}
	}
	if target == "" {
		rt.sendOrDrop(ep, errorReply(env.Type, codeMissingTarget, "control message has no target"))
		return
	}

	dst, ok := rt.registry.Lookup(target)
	if !ok {
		rt.sendOrDrop(ep, errorReply(env.Type, codeTargetOffline, fmt.Sprintf("target %q is not connected", target)))
		return
	}
	out := *env
	out.From = senderID
	if err := dst.Send(out); err != nil {
		rt.removePeer(dst)
		rt.sendOrDrop(ep, errorReply(env.Type, codeTargetOffline, fmt.Sprintf("send to %q failed", target)))
	}
}

// handleRequestRoute resolves start and goal, invokes the planner, and on
// success pushes an execute_route command to the target device plus an
// acknowledgment with the same waypoints back to the caller. All failures
// are structured errors to the caller only; the target never sees them.
func (rt *Router) handleRequestRoute(ep Endpoint, senderID string, env *types.Envelope) {
	if rt.grid == nil {
		rt.sendOrDrop(ep, errorReply(env.Type, codePlannerUnavailable, "no occupancy grid loaded"))
		return
	}

	target, _ := resolveTarget(env)
	if target == "" || target == "all" {
		target = rt.primary
	}
	dst, ok := rt.registry.Lookup(target)
	if !ok {
		rt.sendOrDrop(ep, errorReply(env.Type, codeTargetOffline, fmt.Sprintf("target %q is not connected", target)))
		return
	}

	// Start: the target's last reported location, else caller-supplied,
	// else the grid origin.
	start, haveStart := rt.registry.Location(target)
	if !haveStart {
		if raw, found := env.Payload["start"]; found {
			start, haveStart = parseNode(raw)
		}
	}
	if !haveStart {
		start = planner.Node{}
	}

	goal, code, msg := rt.resolveGoal(env.Payload)
	if code != "" {
		rt.sendOrDrop(ep, errorReply(env.Type, code, msg))
		return
	}

	path, err := planner.Plan(rt.grid, start, goal)
	if err != nil {
		rt.sendOrDrop(ep, errorReply(env.Type, codeInvalidNode, err.Error()))
		return
	}
	if len(path) == 0 {
		rt.sendOrDrop(ep, errorReply(env.Type, codeNoPath, "no walkable route between start and goal"))
		return
	}
	waypoints := planner.Headings(path)

	routePayload := map[string]any{
		"waypoints": waypoints,
		"start":     start,
		"goal":      goal,
	}
	if err := dst.Send(types.Envelope{
		Action:  types.ActionControl,
		Type:    types.TypeExecuteRoute,
		From:    senderID,
		Payload: routePayload,
	}); err != nil {
		rt.removePeer(dst)
		rt.sendOrDrop(ep, errorReply(env.Type, codeTargetOffline, fmt.Sprintf("send to %q failed", target)))
		return
	}
	rt.sendOrDrop(ep, types.Envelope{
		Action: types.ActionAck,
		Type:   types.TypeRequestRoute,
		Payload: map[string]any{
			"target":    target,
			"waypoints": waypoints,
			"start":     start,
			"goal":      goal,
		},
	})
}

// resolveGoal extracts the goal node from a request_route payload: either a
// named point of interest or an explicit coordinate pair. The returned code
// is empty on success.
func (rt *Router) resolveGoal(payload map[string]any) (planner.Node, string, string) {
	if name, ok := payload["destination"].(string); ok && name != "" {
		goal, known := rt.pois[name]
		if !known {
			return planner.Node{}, codeUnknownDestination, fmt.Sprintf("unknown point of interest %q", name)
		}
		return goal, "", ""
	}
	if raw, found := payload["goal"]; found {
		goal, ok := parseNode(raw)
		if !ok {
			return planner.Node{}, codeUnknownDestination, "goal must be {row, col} or [row, col]"
		}
		return goal, "", ""
	}
	return planner.Node{}, codeUnknownDestination, "request_route needs a destination name or goal coordinates"
}

// EmergencyStop broadcasts a stop command to every pi registered at this
// moment, bypassing target resolution entirely. Each successfully reached
// device has its emergency flag set; failed sends remove the peer and are
// excluded from the reached count. Frontends are notified of the outcome.
func (rt *Router) EmergencyStop(initiator string, payload map[string]any) (reached, total int) {
	targets := rt.registry.Targets(types.RolePi)
	total = len(targets)

	out := types.Envelope{
		Action:  types.ActionControl,
		Type:    types.TypeEmergencyStop,
		From:    initiator,
		Payload: payload,
		TS:      nowTS(),
	}
	for _, t := range targets {
		if err := t.Endpoint.Send(out); err != nil {
			rt.log.Error().Err(err).Str("device_id", t.DeviceID).Msg("emergency send failed, removing")
			rt.removePeer(t.Endpoint)
			continue
		}
		rt.registry.SetEmergency(t.DeviceID, true)
		reached++
	}

	rt.log.Warn().Int("reached", reached).Int("total", total).Str("initiator", initiator).
		Msg("emergency stop broadcast")
	rt.emitEvent(types.TypeEmergencyBroadcast, map[string]any{
		"devices_reached": reached,
		"devices_total":   total,
		"initiated_by":    initiator,
	})
	return reached, total
}

// ClearEmergency clears the emergency flag for one device (or all, when
// deviceID is empty), forwards a clear_emergency control to the affected
// pis best-effort, and notifies frontends.
func (rt *Router) ClearEmergency(deviceID string) error {
	if !rt.registry.SetEmergency(deviceID, false) {
		return fmt.Errorf("%w: %s", ErrTargetOffline, deviceID)
	}

	clear := types.Envelope{
		Action: types.ActionControl,
		Type:   types.TypeClearEmergency,
		From:   "hub",
		TS:     nowTS(),
	}
	if deviceID == "" {
		for _, t := range rt.registry.Targets(types.RolePi) {
			if err := t.Endpoint.Send(clear); err != nil {
				rt.removePeer(t.Endpoint)
			}
		}
	} else if dst, ok := rt.registry.Lookup(deviceID); ok {
		if err := dst.Send(clear); err != nil {
			rt.removePeer(dst)
		}
	}

	payload := map[string]any{}
	if deviceID != "" {
		payload["device_id"] = deviceID
	}
	rt.emitEvent(types.TypeEmergencyCleared, payload)
	return nil
}

// DispatchControl issues a control envelope on behalf of an administrative
// caller, following the same resolution rules as frontend control frames.
func (rt *Router) DispatchControl(target, msgType string, payload map[string]any) error {
	env := types.Envelope{
		Action:  types.ActionControl,
		Type:    msgType,
		From:    "api",
		Payload: payload,
		TS:      nowTS(),
	}
	broadcast := target == "all"
	if b, ok := payload["broadcast"].(bool); ok && b {
		broadcast = true
	}
	if broadcast {
		for _, t := range rt.registry.Targets(types.RolePi) {
			if err := t.Endpoint.Send(env); err != nil {
				rt.removePeer(t.Endpoint)
			}
		}
		return nil
	}
	if target == "" {
		return ErrMissingTarget
	}
	dst, ok := rt.registry.Lookup(target)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTargetOffline, target)
	}
	if err := dst.Send(env); err != nil {
		rt.removePeer(dst)
		return fmt.Errorf("%w: send to %s failed", ErrTargetOffline, target)
	}
	return nil
}

// Broadcast forwards an arbitrary JSON value to literally every connected
// endpoint, registered or not. Debug utility, not type-filtered.
func (rt *Router) Broadcast(v any) int {
	sent := 0
	for _, ep := range rt.registry.AllEndpoints() {
		if err := ep.Send(v); err != nil {
			rt.removePeer(ep)
			continue
		}
		sent++
	}
	return sent
}

// Disconnect forcibly closes and deregisters a named device's connection.
func (rt *Router) Disconnect(deviceID string) error {
	ep, ok := rt.registry.Lookup(deviceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTargetOffline, deviceID)
	}
	rt.removePeer(ep)
	return nil
}

// removePeer treats an endpoint as disconnected: deregister, then close.
func (rt *Router) removePeer(ep Endpoint) {
	rt.registry.Remove(ep)
	ep.Close()
}

// emitEvent fans a hub-originated event out to every frontend.
func (rt *Router) emitEvent(eventType string, payload map[string]any) {
	env := types.Envelope{
		Action:  types.ActionEvent,
		Type:    eventType,
		From:    "hub",
		Payload: payload,
		TS:      nowTS(),
	}
	for _, t := range rt.registry.Targets(types.RoleFrontend) {
		if err := t.Endpoint.Send(env); err != nil {
			rt.removePeer(t.Endpoint)
		}
	}
}

// sendOrDrop sends a reply to the sender's own endpoint; a failure here
// means the sender is gone and the receive loop will notice on its next
// read, so the error is only logged.
func (rt *Router) sendOrDrop(ep Endpoint, v any) {
	if err := ep.Send(v); err != nil {
		rt.log.Debug().Err(err).Msg("reply send failed")
	}
}

// resolveTarget extracts the routing target of a control frame. The
// packet-level target field wins over a payload-level one; target "all" or
// payload broadcast:true fan out to every pi.
func resolveTarget(env *types.Envelope) (target string, broadcast bool) {
	target = env.Target
	if target == "" {
		target, _ = env.Payload["target"].(string)
	}
	broadcast = target == "all"
	if b, ok := env.Payload["broadcast"].(bool); ok && b {
		broadcast = true
	}
	return target, broadcast
}

func errorReply(msgType, code, msg string) types.Envelope {
	return types.Envelope{
		Action:  types.ActionError,
		Type:    msgType,
		Payload: map[string]any{"code": code, "error": msg},
		TS:      nowTS(),
	}
}

func nowTS() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
