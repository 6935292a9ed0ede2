package hub

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roverlink/roverlink/internal/discovery"
	"github.com/roverlink/roverlink/internal/types"
)

type fakeDiscovery struct {
	devices []discovery.Device
	woken   []string
	wakeErr error
}

func (f *fakeDiscovery) Devices() []discovery.Device { return f.devices }

func (f *fakeDiscovery) Wake(deviceID string) error {
	if f.wakeErr != nil {
		return f.wakeErr
	}
	f.woken = append(f.woken, deviceID)
	return nil
}

func newTestServer(t *testing.T, disc Discovery) (*Server, *Router, *Registry) {
	t.Helper()
	reg := NewRegistry()
	rt := NewRouter(zerolog.Nop(), reg, nil, nil, "pi-01")
	srv := NewServer(zerolog.Nop(), 0, reg, rt, disc)
	return srv, rt, reg
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAPIRoot(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "roverlink hub running")
}

func TestAPIListDevicesMergesDiscovered(t *testing.T) {
	disc := &fakeDiscovery{devices: []discovery.Device{
		{DeviceID: "pi-01", Addr: "10.0.0.5:8801", LastSeen: time.Now()},
		{DeviceID: "pi-07", Addr: "10.0.0.9:8801", LastSeen: time.Now()},
	}}
	srv, rt, _ := newTestServer(t, disc)
	handshake(t, rt, "pi-01", types.RolePi)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/v1/devices", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out []types.DeviceSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 2)

	// Sorted by device id; the connected entry wins over the beacon record.
	assert.Equal(t, "pi-01", out[0].DeviceID)
	assert.True(t, out[0].Available)
	assert.Equal(t, "pi-07", out[1].DeviceID)
	assert.False(t, out[1].Available)
	assert.Equal(t, types.RolePi, out[1].Role)
}

func TestAPISendControl(t *testing.T) {
	srv, rt, _ := newTestServer(t, nil)
	pi := handshake(t, rt, "pi-01", types.RolePi)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/send",
		types.SendRequest{Target: "pi-01", Type: "manual_drive", Payload: map[string]any{"direction": "forward"}})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, byType(pi, types.ActionControl, "manual_drive"), 1)
}

func TestAPISendValidation(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/send", types.SendRequest{Target: "pi-01"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/send", types.SendRequest{Type: "manual_drive"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/send", types.SendRequest{Target: "ghost", Type: "manual_drive"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/send", strings.NewReader("{not json"))
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusBadRequest, rec2.Code)
}

func TestAPISendEmergencyStopType(t *testing.T) {
	srv, rt, reg := newTestServer(t, nil)
	pi1 := handshake(t, rt, "pi-01", types.RolePi)
	pi2 := handshake(t, rt, "pi-02", types.RolePi)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/send",
		types.SendRequest{Type: types.TypeEmergencyStop})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp types.EmergencyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.DevicesReached)
	assert.Equal(t, 2, resp.DevicesTotal)
	require.Len(t, byType(pi1, types.ActionControl, types.TypeEmergencyStop), 1)
	require.Len(t, byType(pi2, types.ActionControl, types.TypeEmergencyStop), 1)
	for _, d := range reg.Snapshot() {
		assert.True(t, d.Emergency)
	}
}

func TestAPIEmergencyEndpoint(t *testing.T) {
	srv, rt, _ := newTestServer(t, nil)
	broken := handshake(t, rt, "pi-01", types.RolePi)
	broken.failSend = true
	handshake(t, rt, "pi-02", types.RolePi)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/emergency", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp types.EmergencyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.DevicesReached)
	assert.Equal(t, 2, resp.DevicesTotal)
	assert.True(t, broken.isClosed())
}

func TestAPIClearEmergency(t *testing.T) {
	srv, rt, reg := newTestServer(t, nil)
	pi := handshake(t, rt, "pi-01", types.RolePi)
	reg.SetEmergency("pi-01", true)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/emergency/clear",
		types.ClearEmergencyRequest{DeviceID: "pi-01"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, byType(pi, types.ActionControl, types.TypeClearEmergency), 1)
	for _, d := range reg.Snapshot() {
		assert.False(t, d.Emergency)
	}

	rec = doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/emergency/clear",
		types.ClearEmergencyRequest{DeviceID: "ghost"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIConnectDevice(t *testing.T) {
	disc := &fakeDiscovery{}
	srv, _, _ := newTestServer(t, disc)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/devices/pi-07/connect", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"pi-07"}, disc.woken)

	disc.wakeErr = discovery.ErrUnknownDevice
	rec = doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/devices/pi-08/connect", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIConnectDeviceWithoutDiscovery(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/devices/pi-07/connect", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAPIDisconnectDevice(t *testing.T) {
	srv, rt, reg := newTestServer(t, nil)
	pi := handshake(t, rt, "pi-01", types.RolePi)

	rec := doJSON(t, srv.Handler(), http.MethodDelete, "/api/v1/devices/pi-01", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	_, ok := reg.Lookup("pi-01")
	assert.False(t, ok)
	assert.True(t, pi.isClosed())

	rec = doJSON(t, srv.Handler(), http.MethodDelete, "/api/v1/devices/pi-01", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIBroadcast(t *testing.T) {
	srv, rt, _ := newTestServer(t, nil)
	handshake(t, rt, "pi-01", types.RolePi)
	handshake(t, rt, "viewer-1", types.RoleFrontend)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/broadcast",
		map[string]any{"message": "maintenance at noon"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, float64(2), resp["sent"])
}

func TestWebsocketHandshakeOverHTTP(t *testing.T) {
	srv, _, reg := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(types.Envelope{
		Action:   types.ActionHandshake,
		DeviceID: "pi-42",
		Role:     types.RolePi,
	}))

	var ack types.Envelope
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, types.ActionAck, ack.Action)
	assert.Equal(t, types.ActionHandshake, ack.Type)
	assert.Equal(t, "pi-42", ack.Payload["device_id"])

	_, ok := reg.Lookup("pi-42")
	assert.True(t, ok)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		_, ok := reg.Lookup("pi-42")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}
