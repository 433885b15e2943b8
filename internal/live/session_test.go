package live

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockLiveServer speaks the live-inference protocol: it acknowledges setup
// and answers each utterance with transcripts, one audio chunk, and a
// turn completion.
func mockLiveServer(t *testing.T, answerPCM []byte) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		writeJSON := func(msg *ServerMessage) bool {
			data, err := json.Marshal(msg)
			if err != nil {
				return false
			}
			return conn.WriteMessage(websocket.TextMessage, data) == nil
		}

		var setup ClientMessage
		if err := conn.ReadJSON(&setup); err != nil || setup.Setup == nil {
			return
		}

		if !writeJSON(&ServerMessage{SetupComplete: &SetupComplete{}}) {
			return
		}

		if !writeJSON(&ServerMessage{
			SessionResumptionUpdate: &SessionResumptionUpdate{NewHandle: "handle-1", Resumable: true},
		}) {
			return
		}

		for {
			var msg ClientMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}

			if msg.RealtimeInput == nil || !msg.RealtimeInput.AudioStreamEnd {
				continue
			}

			ok := writeJSON(&ServerMessage{
				ServerContent: &ServerContent{
					InputTranscription: &Transcription{Text: "why is the sky blue"},
				},
			}) && writeJSON(&ServerMessage{
				ServerContent: &ServerContent{
					OutputTranscription: &Transcription{Text: "Because sunlight scatters!"},
				},
			}) && writeJSON(&ServerMessage{
				ServerContent: &ServerContent{
					ModelTurn: &ModelTurn{
						Parts: []Part{{
							InlineData: &InlineData{
								MimeType: "audio/pcm;rate=24000",
								Data:     base64.StdEncoding.EncodeToString(answerPCM),
							},
						}},
					},
				},
			}) && writeJSON(&ServerMessage{
				ServerContent: &ServerContent{TurnComplete: true},
			})
			if !ok {
				return
			}
		}
	}))
}

func testSessionConfig(url string) Config {
	return Config{
		Endpoint:         url,
		APIKey:           "test-key",
		Model:            "models/test",
		Voice:            "Puck",
		SystemPrompt:     "Be kind.",
		InputSampleRate:  16000,
		OutputSampleRate: 24000,
		DialTimeout:      2 * time.Second,
		MaxRetries:       1,
	}
}

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()

	select {
	case ev, ok := <-events:
		require.True(t, ok, "event channel closed unexpectedly")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for session event")
		return Event{}
	}
}

func TestSessionTurnFlow(t *testing.T) {
	answerPCM := []byte{0x01, 0x02, 0x03, 0x04}

	srv := mockLiveServer(t, answerPCM)
	defer srv.Close()

	session, err := NewSession(testSessionConfig(wsURL(srv)), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer session.Close()

	require.NoError(t, session.Start(context.Background()))

	require.NoError(t, session.SendAudio(make([]byte, 320)))
	require.NoError(t, session.EndUtterance())

	ev := nextEvent(t, session.Events())
	assert.Equal(t, EventQuestionTranscript, ev.Type)
	assert.Equal(t, "why is the sky blue", ev.Text)

	ev = nextEvent(t, session.Events())
	assert.Equal(t, EventAnswerTranscript, ev.Type)
	assert.Equal(t, "Because sunlight scatters!", ev.Text)

	ev = nextEvent(t, session.Events())
	assert.Equal(t, EventAudio, ev.Type)
	assert.Equal(t, answerPCM, ev.PCM)

	ev = nextEvent(t, session.Events())
	assert.Equal(t, EventTurnComplete, ev.Type)
}

// resumableUpstream hands out a resume handle and then drops the first
// connection. Later connections either complete the resume handshake or
// are refused outright.
func resumableUpstream(t *testing.T, allowResume bool) (*httptest.Server, chan string) {
	t.Helper()

	handles := make(chan string, 4)
	var conns atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := conns.Add(1)

		if n > 1 && !allowResume {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}

		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		writeJSON := func(msg *ServerMessage) bool {
			data, err := json.Marshal(msg)
			if err != nil {
				return false
			}
			return conn.WriteMessage(websocket.TextMessage, data) == nil
		}

		var setup ClientMessage
		if err := conn.ReadJSON(&setup); err != nil || setup.Setup == nil {
			return
		}

		handle := ""
		if setup.Setup.SessionResumption != nil {
			handle = setup.Setup.SessionResumption.Handle
		}
		handles <- handle

		if !writeJSON(&ServerMessage{SetupComplete: &SetupComplete{}}) {
			return
		}

		if n == 1 {
			writeJSON(&ServerMessage{
				SessionResumptionUpdate: &SessionResumptionUpdate{NewHandle: "resume-1", Resumable: true},
			})
			// Give the client time to store the handle before the drop
			time.Sleep(50 * time.Millisecond)
			return
		}

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))

	return srv, handles
}

func TestSessionResumesAfterDrop(t *testing.T) {
	srv, handles := resumableUpstream(t, true)
	defer srv.Close()

	var reconnects atomic.Int32

	cfg := testSessionConfig(wsURL(srv))
	cfg.Heartbeat = 15 * time.Millisecond
	cfg.OnReconnect = func() { reconnects.Add(1) }

	session, err := NewSession(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer session.Close()

	require.NoError(t, session.Start(context.Background()))
	assert.Empty(t, <-handles, "initial handshake carries no resume handle")

	// The upstream drops the connection; the session redials and
	// re-handshakes with the handle it was given
	select {
	case handle := <-handles:
		assert.Equal(t, "resume-1", handle)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the resumed handshake")
	}

	require.Eventually(t, func() bool { return session.Reconnects() == 1 },
		5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), reconnects.Load())
}

func TestSessionFailsWhenResumeRefused(t *testing.T) {
	srv, handles := resumableUpstream(t, false)
	defer srv.Close()

	session, err := NewSession(testSessionConfig(wsURL(srv)), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer session.Close()

	require.NoError(t, session.Start(context.Background()))
	assert.Empty(t, <-handles)

	// With the resume attempts refused, the session surfaces a fatal error
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-session.Events():
			require.True(t, ok, "event channel closed before the failure surfaced")
			if ev.Type == EventError {
				require.Error(t, ev.Err)
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for the session failure")
		}
	}
}

func TestSessionCloseEmitsClosed(t *testing.T) {
	srv := mockLiveServer(t, nil)
	defer srv.Close()

	session, err := NewSession(testSessionConfig(wsURL(srv)), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	require.NoError(t, session.Start(context.Background()))
	require.NoError(t, session.Close())

	// The read loop winds down with a closed event before the channel closes
	for ev := range session.Events() {
		if ev.Type == EventClosed {
			return
		}
	}
}

func TestSessionSendAudioSkipsEmpty(t *testing.T) {
	srv := mockLiveServer(t, nil)
	defer srv.Close()

	session, err := NewSession(testSessionConfig(wsURL(srv)), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer session.Close()

	require.NoError(t, session.Start(context.Background()))
	require.NoError(t, session.SendAudio(nil))
}

func TestNewSessionValidation(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := NewSession(Config{Model: "m"}, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoint")

	_, err = NewSession(Config{Endpoint: "ws://x"}, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model")
}
