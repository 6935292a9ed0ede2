package discovery

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTracker(t *testing.T) *Tracker {
	t.Helper()
	tr := NewTracker(zerolog.Nop(), 0)
	require.NoError(t, tr.Start())
	t.Cleanup(tr.Stop)
	return tr
}

func dialTracker(t *testing.T, tr *Tracker) *net.UDPConn {
	t.Helper()
	port := tr.conn.LocalAddr().(*net.UDPAddr).Port
	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendBeacon(t *testing.T, conn *net.UDPConn, deviceID string) {
	t.Helper()
	data, err := json.Marshal(beacon{DeviceID: deviceID})
	require.NoError(t, err)
	_, err = conn.Write(data)
	require.NoError(t, err)
}

func TestTrackerRecordsBeacons(t *testing.T) {
	tr := startTracker(t)
	conn := dialTracker(t, tr)

	sendBeacon(t, conn, "rover-1")
	require.Eventually(t, func() bool {
		return len(tr.Devices()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	devices := tr.Devices()
	assert.Equal(t, "rover-1", devices[0].DeviceID)
	assert.NotEmpty(t, devices[0].Addr)
	assert.False(t, devices[0].LastSeen.IsZero())
}

func TestTrackerIgnoresMalformedBeacons(t *testing.T) {
	tr := startTracker(t)
	conn := dialTracker(t, tr)

	_, err := conn.Write([]byte("not json"))
	require.NoError(t, err)
	_, err = conn.Write([]byte(`{"device_id":""}`))
	require.NoError(t, err)
	sendBeacon(t, conn, "rover-1")

	require.Eventually(t, func() bool {
		return len(tr.Devices()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTrackerSignals(t *testing.T) {
	tr := startTracker(t)
	conn := dialTracker(t, tr)

	sendBeacon(t, conn, "rover-1")
	require.Eventually(t, func() bool {
		return len(tr.Devices()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	readSignal := func() string {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		buf := make([]byte, 256)
		n, err := conn.Read(buf)
		require.NoError(t, err)
		var s signal
		require.NoError(t, json.Unmarshal(buf[:n], &s))
		return s.Command
	}

	require.NoError(t, tr.Wake("rover-1"))
	assert.Equal(t, "connect", readSignal())

	require.NoError(t, tr.Shutdown("rover-1"))
	assert.Equal(t, "shutdown", readSignal())
}

func TestTrackerSignalUnknownDevice(t *testing.T) {
	tr := startTracker(t)
	err := tr.Wake("ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownDevice)
}
