package gateway

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/tether/pkg/models"
)

func dialWS(t *testing.T, ts *httptest.Server, deviceID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	if deviceID != "" {
		url += "?deviceId=" + deviceID
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntilPhase collects envelopes until the wanted terminal status arrives.
func readUntilPhase(t *testing.T, conn *websocket.Conn, phase models.Phase) []models.Envelope {
	t.Helper()
	var envs []models.Envelope
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var env models.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("read envelope: %v (got %d so far)", err, len(envs))
		}
		envs = append(envs, env)
		if env.Type == models.TypeStatus && env.Phase == phase {
			return envs
		}
	}
	t.Fatalf("never saw status %s in %d envelopes", phase, len(envs))
	return nil
}

func TestWebsocketTurnRoundTrip(t *testing.T) {
	srv, st := newTestServer(t, "")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialWS(t, ts, "device-7")
	err := conn.WriteJSON(models.ClientMessage{
		Type:    models.TypeAgentMessage,
		Content: "fix the login page",
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	envs := readUntilPhase(t, conn, models.PhaseCompleted)

	if envs[0].Type != models.TypeStatus || envs[0].Phase != models.PhaseStarting {
		t.Errorf("first envelope = %s/%s", envs[0].Type, envs[0].Phase)
	}
	var lastSeq int64
	var sawTitle, sawComplete bool
	for _, env := range envs {
		if env.Seq <= lastSeq {
			t.Errorf("seq not strictly increasing: %d after %d", env.Seq, lastSeq)
		}
		lastSeq = env.Seq
		switch env.Type {
		case models.TypeTitle:
			sawTitle = true
		case models.TypeStreamComplete:
			sawComplete = true
			if env.FinalMessage == nil || env.FinalMessage.PlainText() != "Done." {
				t.Errorf("final message = %+v", env.FinalMessage)
			}
		}
	}
	if !sawTitle || !sawComplete {
		t.Errorf("missing envelopes: title=%v complete=%v", sawTitle, sawComplete)
	}

	// The device id from the handshake routes pushes.
	snap, err := st.GetSnapshot(context.Background(), envs[0].SessionID)
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if snap.InitiatorDeviceID != "device-7" {
		t.Errorf("initiator = %q", snap.InitiatorDeviceID)
	}
}

func TestWebsocketGenerateTitle(t *testing.T) {
	srv, _ := newTestServer(t, "")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialWS(t, ts, "")
	err := conn.WriteJSON(models.ClientMessage{
		Type:    models.TypeGenerateTitle,
		Content: "please debug the crash on startup",
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var env models.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	if env.Type != models.TypeTitle || env.Title == "" {
		t.Errorf("envelope = %+v", env)
	}
}

func TestWebsocketRejectsMalformedMessage(t *testing.T) {
	srv, _ := newTestServer(t, "")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialWS(t, ts, "")
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var env models.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	if env.Type != models.TypeError || env.Error.Code != "invalid_message" {
		t.Errorf("envelope = %+v", env)
	}
}

func TestWebsocketUnknownType(t *testing.T) {
	srv, _ := newTestServer(t, "")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialWS(t, ts, "")
	if err := conn.WriteJSON(models.ClientMessage{Type: "agent:reboot"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var env models.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	if env.Type != models.TypeError || env.Error.Code != "invalid_message" {
		t.Errorf("envelope = %+v", env)
	}
}
