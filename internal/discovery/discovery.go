// Package discovery tracks rover devices that announce themselves over UDP
// broadcast beacons, and can signal them out-of-band to connect to the hub
// or shut down. It is a thin collaborator: best-effort, no delivery
// guarantees, no routing identity.
package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrUnknownDevice is returned when a signal targets a device id that has
// never beaconed.
var ErrUnknownDevice = errors.New("device not discovered")

// Device is one identity seen on the discovery channel.
type Device struct {
	DeviceID string    `json:"device_id"`
	Addr     string    `json:"addr"`
	LastSeen time.Time `json:"last_seen"`
}

// beacon is the datagram a device broadcasts periodically.
type beacon struct {
	DeviceID string `json:"device_id"`
}

// signal is the datagram the tracker sends back to a device.
type signal struct {
	Command string `json:"command"`
}

// Tracker listens for beacons and records the sender address of each device
// id so signals can be sent back later.
type Tracker struct {
	log  zerolog.Logger
	port int

	mu      sync.Mutex
	devices map[string]deviceRecord
	conn    *net.UDPConn

	stopOnce sync.Once
	done     chan struct{}
}

type deviceRecord struct {
	addr     *net.UDPAddr
	lastSeen time.Time
}

// NewTracker creates a tracker listening on the given UDP port.
func NewTracker(log zerolog.Logger, port int) *Tracker {
	return &Tracker{
		log:     log,
		port:    port,
		devices: make(map[string]deviceRecord),
		done:    make(chan struct{}),
	}
}

// Start binds the UDP socket and begins recording beacons.
func (t *Tracker) Start() error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: t.port})
	if err != nil {
		return fmt.Errorf("listening for discovery beacons: %w", err)
	}
	t.conn = conn
	t.log.Info().Int("port", t.port).Msg("discovery listening")
	go t.loop()
	return nil
}

// Stop closes the socket and waits for the read loop to exit.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() {
		if t.conn != nil {
			t.conn.Close()
		}
		<-t.done
	})
}

func (t *Tracker) loop() {
	defer close(t.done)
	buf := make([]byte, 2048)
	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			// Closed socket ends the loop.
			return
		}
		var b beacon
		if err := json.Unmarshal(buf[:n], &b); err != nil || b.DeviceID == "" {
			t.log.Debug().Str("addr", addr.String()).Msg("ignoring malformed beacon")
			continue
		}
		t.mu.Lock()
		_, known := t.devices[b.DeviceID]
		t.devices[b.DeviceID] = deviceRecord{addr: addr, lastSeen: time.Now()}
		t.mu.Unlock()
		if !known {
			t.log.Info().Str("device_id", b.DeviceID).Str("addr", addr.String()).Msg("device discovered")
		}
	}
}

// Devices returns a snapshot of every discovered device.
func (t *Tracker) Devices() []Device {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Device, 0, len(t.devices))
	for id, rec := range t.devices {
		out = append(out, Device{DeviceID: id, Addr: rec.addr.String(), LastSeen: rec.lastSeen})
	}
	return out
}

// Wake asks a discovered device to connect to the hub.
func (t *Tracker) Wake(deviceID string) error {
	return t.signal(deviceID, "connect")
}

// Shutdown asks a discovered device to power down.
func (t *Tracker) Shutdown(deviceID string) error {
	return t.signal(deviceID, "shutdown")
}

func (t *Tracker) signal(deviceID, command string) error {
	t.mu.Lock()
	rec, ok := t.devices[deviceID]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	data, err := json.Marshal(signal{Command: command})
	if err != nil {
		return err
	}
	if _, err := t.conn.WriteToUDP(data, rec.addr); err != nil {
		return fmt.Errorf("signalling %s: %w", deviceID, err)
	}
	t.log.Info().Str("device_id", deviceID).Str("command", command).Msg("signal sent")
	return nil
}
