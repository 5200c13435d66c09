package web

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/legbot/internal/log"
	"github.com/gwillem/legbot/pkg/protocol"
	"github.com/gwillem/legbot/pkg/teleop"
	"github.com/gwillem/legbot/pkg/transport"
)

func TestServer_Health(t *testing.T) {
	s := NewServer(":0", Sources{}, log.Discard())

	resp, err := s.app.Test(httptest.NewRequest("GET", "/api/health", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestServer_Status(t *testing.T) {
	cmd := protocol.Command{Vx: 0.2}
	s := NewServer(":0", Sources{
		Status: func() Status {
			return Status{
				Robot:    "sim",
				Commands: transport.Stats{Received: 12, Connected: true},
				Host:     teleop.HostStats{Dispatched: 40, LastCommand: &cmd},
			}
		},
	}, log.Discard())

	resp, err := s.app.Test(httptest.NewRequest("GET", "/api/status", nil))
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)

	var got map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "sim", got["robot"])
	assert.Equal(t, true, got["commands"].(map[string]any)["connected"])
	assert.Equal(t, float64(12), got["commands"].(map[string]any)["received"])
	host := got["host"].(map[string]any)
	assert.Equal(t, float64(40), host["dispatched"])
	assert.Equal(t, 0.2, host["last_command"].(map[string]any)["vx"])
}

func TestServer_StatusUnavailable(t *testing.T) {
	s := NewServer(":0", Sources{}, log.Discard())

	resp, err := s.app.Test(httptest.NewRequest("GET", "/api/status", nil))
	require.NoError(t, err)
	assert.Equal(t, 503, resp.StatusCode)
}

func TestServer_Frame(t *testing.T) {
	var frame []byte
	s := NewServer(":0", Sources{
		Frame: func() ([]byte, bool) { return frame, frame != nil },
	}, log.Discard())

	resp, err := s.app.Test(httptest.NewRequest("GET", "/api/frame", nil))
	require.NoError(t, err)
	assert.Equal(t, 204, resp.StatusCode)

	frame = []byte{0xff, 0xd8, 0xff}
	resp, err = s.app.Test(httptest.NewRequest("GET", "/api/frame", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, frame, body)
}
