package hub

import (
	"sync"
	"time"

	"github.com/roverlink/roverlink/internal/planner"
	"github.com/roverlink/roverlink/internal/types"
)

// entry binds a logical device identity to its live endpoint.
type entry struct {
	deviceID  string
	endpoint  Endpoint
	role      types.Role
	metadata  map[string]any
	lastSeen  time.Time
	emergency bool
}

// Target pairs a device id with its endpoint. Fan-out works against copied
// Target slices so no send ever happens under the registry lock.
type Target struct {
	DeviceID string
	Endpoint Endpoint
}

// Notifier receives device lifecycle events. Calls are made outside the
// registry lock and must not block for long; the router uses them to emit
// device_connected / device_disconnected events to frontends.
type Notifier interface {
	DeviceConnected(deviceID string)
	DeviceDisconnected(deviceID string)
}

// Registry is the process-wide table of connected endpoints. One mutex
// guards both the device table and the unregistered set; it is held only
// for table mutation, never across I/O.
type Registry struct {
	mu           sync.Mutex
	devices      map[string]*entry
	unregistered map[Endpoint]struct{}
	notifier     Notifier
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		devices:      make(map[string]*entry),
		unregistered: make(map[Endpoint]struct{}),
	}
}

// SetNotifier installs the lifecycle event receiver. Must be called before
// connections are accepted.
func (r *Registry) SetNotifier(n Notifier) {
	r.notifier = n
}

// Accept tracks an endpoint that has connected but not yet completed its
// handshake. It holds no routing identity until Register.
func (r *Registry) Accept(ep Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregistered[ep] = struct{}{}
}

// Register installs a device entry for an endpoint, replacing any entry
// already bound to the same endpoint. If another endpoint currently holds
// the same device id, that endpoint is evicted and closed: leaving it open
// would leak a connection whose frames still reach the router under a
// stolen identity. Registering a pi notifies frontends via the Notifier.
func (r *Registry) Register(ep Endpoint, deviceID string, role types.Role, meta map[string]any) {
	if meta == nil {
		meta = make(map[string]any)
	}
	r.mu.Lock()
	delete(r.unregistered, ep)
	for id, e := range r.devices {
		if e.endpoint == ep {
			delete(r.devices, id)
		}
	}
	var evicted Endpoint
	if old, ok := r.devices[deviceID]; ok && old.endpoint != ep {
		evicted = old.endpoint
	}
	r.devices[deviceID] = &entry{
		deviceID: deviceID,
		endpoint: ep,
		role:     role,
		metadata: meta,
		lastSeen: time.Now(),
	}
	notifier := r.notifier
	r.mu.Unlock()

	if evicted != nil {
		evicted.Close()
	}
	if role == types.RolePi && notifier != nil {
		notifier.DeviceConnected(deviceID)
	}
}

// Touch updates last_seen and merges payload keys into the device's
// metadata, last write wins per key. Unknown ids are a no-op.
func (r *Registry) Touch(deviceID string, payload map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.devices[deviceID]
	if !ok {
		return
	}
	e.lastSeen = time.Now()
	for k, v := range payload {
		e.metadata[k] = v
	}
}

// Remove deletes any device entry bound to ep and drops ep from the
// unregistered set. It is idempotent and safe to race against an in-flight
// Register for the same endpoint; the later operation wins. Removing a pi
// notifies frontends.
func (r *Registry) Remove(ep Endpoint) {
	r.mu.Lock()
	delete(r.unregistered, ep)
	var removedPi string
	for id, e := range r.devices {
		if e.endpoint == ep {
			if e.role == types.RolePi {
				removedPi = id
			}
			delete(r.devices, id)
		}
	}
	notifier := r.notifier
	r.mu.Unlock()

	if removedPi != "" && notifier != nil {
		notifier.DeviceDisconnected(removedPi)
	}
}

// Lookup returns the endpoint registered under deviceID.
func (r *Registry) Lookup(deviceID string) (Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.devices[deviceID]
	if !ok {
		return nil, false
	}
	return e.endpoint, true
}

// Role returns the registered role of deviceID, or RoleUnknown.
func (r *Registry) Role(deviceID string) types.Role {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.devices[deviceID]
	if !ok {
		return types.RoleUnknown
	}
	return e.role
}

// Snapshot returns deep copies of every device entry.
func (r *Registry) Snapshot() []types.DeviceSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.DeviceSnapshot, 0, len(r.devices))
	for _, e := range r.devices {
		meta := make(map[string]any, len(e.metadata))
		for k, v := range e.metadata {
			meta[k] = v
		}
		out = append(out, types.DeviceSnapshot{
			DeviceID:  e.deviceID,
			Role:      e.role,
			Metadata:  meta,
			LastSeen:  e.lastSeen,
			Emergency: e.emergency,
			Available: true,
		})
	}
	return out
}

// Targets returns the id/endpoint pairs of every device with the given
// role, copied so callers can fan out after the lock is released.
func (r *Registry) Targets(role types.Role) []Target {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Target
	for _, e := range r.devices {
		if e.role == role {
			out = append(out, Target{DeviceID: e.deviceID, Endpoint: e.endpoint})
		}
	}
	return out
}

// AllEndpoints returns every connected endpoint, registered or not. Used by
// the debug broadcast.
func (r *Registry) AllEndpoints() []Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Endpoint, 0, len(r.devices)+len(r.unregistered))
	for _, e := range r.devices {
		out = append(out, e.endpoint)
	}
	for ep := range r.unregistered {
		out = append(out, ep)
	}
	return out
}

// SetEmergency sets or clears the emergency flag for one device, or for
// every device when deviceID is empty. Returns false if a named device is
// unknown.
func (r *Registry) SetEmergency(deviceID string, v bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if deviceID == "" {
		for _, e := range r.devices {
			e.emergency = v
		}
		return true
	}
	e, ok := r.devices[deviceID]
	if !ok {
		return false
	}
	e.emergency = v
	return true
}

// Location reads a device's last reported location metadata as a grid node.
// It accepts either {"row": r, "col": c} objects or [row, col] arrays, with
// JSON numbers decoded as float64.
func (r *Registry) Location(deviceID string) (planner.Node, bool) {
	r.mu.Lock()
	var raw any
	e, ok := r.devices[deviceID]
	if ok {
		raw, ok = e.metadata["location"]
	}
	r.mu.Unlock()
	if !ok {
		return planner.Node{}, false
	}
	return parseNode(raw)
}

// parseNode converts loosely typed JSON location values into a grid node.
func parseNode(raw any) (planner.Node, bool) {
	toInt := func(v any) (int, bool) {
		switch n := v.(type) {
		case float64:
			return int(n), true
		case int:
			return n, true
		}
		return 0, false
	}
	switch loc := raw.(type) {
	case map[string]any:
		row, okR := toInt(loc["row"])
		col, okC := toInt(loc["col"])
		if okR && okC {
			return planner.Node{Row: row, Col: col}, true
		}
	case []any:
		if len(loc) == 2 {
			row, okR := toInt(loc[0])
			col, okC := toInt(loc[1])
			if okR && okC {
				return planner.Node{Row: row, Col: col}, true
			}
		}
	}
	return planner.Node{}, false
}
