package types

import "time"

// Role classifies one side of a connection.
type Role string

const (
	RolePi       Role = "pi"
	RoleFrontend Role = "frontend"
	RoleUnknown  Role = "unknown"
)

// ValidRole reports whether r is a role the hub accepts in a handshake.
func ValidRole(r Role) bool {
	return r == RolePi || r == RoleFrontend
}

// Envelope actions. Handshake is only valid as the first frame of a
// connection; everything after it is telemetry, control, or an event/ack
// emitted by the hub itself.
const (
	ActionHandshake = "handshake"
	ActionTelemetry = "telemetry"
	ActionControl   = "control"
	ActionEvent     = "event"
	ActionAck       = "ack"
	ActionError     = "error"
)

// Control message types.
const (
	TypeEmergencyStop   = "emergency_stop"
	TypeClearEmergency  = "clear_emergency"
	TypeRequestRoute    = "request_route"
	TypeExecuteRoute    = "execute_route"
	TypeMicrophoneOpen  = "microphone_open"
	TypeMicrophoneClose = "microphone_close"
	TypeQuickCommand    = "quick_command"
	TypeAutoRouteStart  = "auto_route_start"
	TypeAutoRouteStop   = "auto_route_stop"
)

// Telemetry message types the hub treats specially. Any other telemetry
// type is forwarded to frontends verbatim.
const (
	TypeCameraFrame         = "camera_frame"
	TypeEmergencyAck        = "emergency_ack"
	TypeEmergencyClearedAck = "emergency_cleared_ack"
)

// Event types the hub emits to frontends.
const (
	TypeDeviceConnected    = "device_connected"
	TypeDeviceDisconnected = "device_disconnected"
	TypeEmergencyBroadcast = "emergency_broadcast"
	TypeEmergencyCleared   = "emergency_cleared"
)

// Envelope is the wire frame exchanged over a device connection. The first
// frame after connect must be a handshake carrying Role and DeviceID; every
// later frame carries Action/Type/Payload. From identifies the sender and is
// stamped by the hub before fan-out, so receivers never trust a client-set
// value.
type Envelope struct {
	Action   string         `json:"action"`
	Type     string         `json:"type,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
	TS       float64        `json:"ts,omitempty"`
	From     string         `json:"from,omitempty"`
	Target   string         `json:"target,omitempty"`
	DeviceID string         `json:"device_id,omitempty"`
	Role     Role           `json:"role,omitempty"`
}

// SenderID returns the device identity claimed by the frame, preferring the
// handshake-style device_id field over the legacy from field.
func (e *Envelope) SenderID() string {
	if e.DeviceID != "" {
		return e.DeviceID
	}
	return e.From
}

// DeviceSnapshot is a point-in-time copy of one registry entry, safe to hold
// after the registry lock is released.
type DeviceSnapshot struct {
	DeviceID  string         `json:"device_id"`
	Role      Role           `json:"role"`
	Metadata  map[string]any `json:"metadata"`
	LastSeen  time.Time      `json:"last_seen"`
	Emergency bool           `json:"emergency"`
	Available bool           `json:"available"`
}

// SendRequest asks the hub to dispatch a control envelope to a device
// ("all" fans out to every pi).
type SendRequest struct {
	Target  string         `json:"target"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// EmergencyResponse reports the outcome of an emergency broadcast.
type EmergencyResponse struct {
	DevicesReached int `json:"devices_reached"`
	DevicesTotal   int `json:"devices_total"`
}

// ClearEmergencyRequest clears the emergency flag for one device, or for
// every device when DeviceID is empty.
type ClearEmergencyRequest struct {
	DeviceID string `json:"device_id,omitempty"`
}
