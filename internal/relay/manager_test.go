package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btimofeyev/dewey/internal/config"
	"github.com/btimofeyev/dewey/internal/live"
	"github.com/btimofeyev/dewey/internal/metrics"
	"github.com/btimofeyev/dewey/internal/protocol"
	"github.com/btimofeyev/dewey/internal/store"
)

// Prometheus collectors register on the default registry, so the test
// binary shares a single Metrics instance.
var testMetrics = metrics.NewMetrics()

// fakeLive stands in for the upstream live session
type fakeLive struct {
	mu            sync.Mutex
	startErr      error
	started       bool
	sent          [][]byte
	utteranceEnds int

	events    chan live.Event
	closeOnce sync.Once
}

func newFakeLive() *fakeLive {
	return &fakeLive{events: make(chan live.Event, 32)}
}

func (f *fakeLive) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeLive) SendAudio(pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), pcm...))
	return nil
}

func (f *fakeLive) EndUtterance() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.utteranceEnds++
	return nil
}

func (f *fakeLive) Events() <-chan live.Event { return f.events }

func (f *fakeLive) Reconnects() uint64 { return 0 }

func (f *fakeLive) Close() error {
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

func (f *fakeLive) sentBytes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, chunk := range f.sent {
		total += len(chunk)
	}
	return total
}

func (f *fakeLive) utteranceEndCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.utteranceEnds
}

type closedUsage struct {
	id             string
	questionsAsked int
	listenSeconds  float64
}

// fakeStore implements the relay's Store surface in memory
type fakeStore struct {
	mu         sync.Mutex
	profiles   map[string]*store.Profile
	countToday int
	countErr   error
	inserted   []store.InsertQuestionParams
	nextID     int
	usageOpens int
	usageClose []closedUsage
}

func newFakeStore() *fakeStore {
	return &fakeStore{profiles: map[string]*store.Profile{
		"prof-1": {ID: "prof-1", Name: "Maya", BirthYear: 2019, DailyQuota: 3},
	}}
}

func (f *fakeStore) GetProfile(ctx context.Context, id string) (*store.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return p, nil
}

func (f *fakeStore) CountQuestionsToday(ctx context.Context, profileID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.countToday, f.countErr
}

func (f *fakeStore) InsertQuestion(ctx context.Context, p store.InsertQuestionParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, p)
	f.nextID++
	return fmt.Sprintf("q-%d", f.nextID), nil
}

func (f *fakeStore) InsertUsageSession(ctx context.Context, profileID string, startedAt time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usageOpens++
	return fmt.Sprintf("usage-%d", f.usageOpens), nil
}

func (f *fakeStore) CloseUsageSession(ctx context.Context, id string, endedAt time.Time, questionsAsked int, listenSeconds float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usageClose = append(f.usageClose, closedUsage{id, questionsAsked, listenSeconds})
	return nil
}

func (f *fakeStore) insertedParams() []store.InsertQuestionParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.InsertQuestionParams(nil), f.inserted...)
}

func (f *fakeStore) closedSessions() []closedUsage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]closedUsage(nil), f.usageClose...)
}

func (f *fakeStore) setCountToday(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.countToday = n
}

func testConfig() *config.Config {
	return &config.Config{
		Audio: config.AudioConfig{
			InputSampleRate:  16000,
			OutputSampleRate: 24000,
			MaxUtterance:     30.0,
			MaxSequenceGap:   20,
		},
		Live: config.LiveConfig{
			Endpoint:    "wss://example.com/live",
			APIKey:      "test-key",
			Model:       "models/test",
			DialTimeout: 2,
			MaxRetries:  1,
		},
		Database: config.DatabaseConfig{
			URL:          "postgres://localhost/test",
			MaxConns:     1,
			QueryTimeout: 2,
		},
		Session: config.SessionConfig{
			MaxConcurrent:     4,
			IdleTimeout:       120,
			OutboundQueueSize: 64,
			DefaultDailyQuota: 25,
		},
	}
}

// newTestManager builds a manager whose upstream sessions are fakes.
// Each created session pops the next fake from the supplied list.
func newTestManager(t *testing.T, st Store, cfg *config.Config, fakes ...*fakeLive) *Manager {
	t.Helper()

	if cfg == nil {
		cfg = testConfig()
	}

	mgr := NewManager(slog.New(slog.NewTextHandler(io.Discard, nil)), cfg, testMetrics, st)
	t.Cleanup(mgr.Stop)

	var mu sync.Mutex
	next := 0
	mgr.newLive = func(lc live.Config, l *slog.Logger) (liveSession, error) {
		mu.Lock()
		defer mu.Unlock()
		if next >= len(fakes) {
			return nil, fmt.Errorf("no fake live session left")
		}
		fl := fakes[next]
		next++
		return fl, nil
	}

	return mgr
}

func questionFrame(seq uint32, pcmBytes int) *protocol.AudioFrame {
	return &protocol.AudioFrame{
		Header: protocol.FrameHeader{
			Magic:     protocol.Magic,
			Version:   protocol.Version,
			Direction: protocol.DirectionQuestion,
			Sequence:  seq,
		},
		PCM: make([]byte, pcmBytes),
	}
}

func popOutbound(t *testing.T, s *Session) Outbound {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	item, ok := s.NextOutbound(ctx)
	require.True(t, ok, "expected an outbound message")
	return item
}

func popEnvelope(t *testing.T, s *Session) *protocol.Envelope {
	t.Helper()

	item := popOutbound(t, s)
	require.False(t, item.Binary, "expected a control envelope, got binary frame")

	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(item.Data, &env))
	return &env
}

// popEnvelopeUntil discards messages until an envelope of the given type arrives
func popEnvelopeUntil(t *testing.T, s *Session, envType string) *protocol.Envelope {
	t.Helper()

	for i := 0; i < 50; i++ {
		item := popOutbound(t, s)
		if item.Binary {
			continue
		}
		var env protocol.Envelope
		require.NoError(t, json.Unmarshal(item.Data, &env))
		if env.Type == envType {
			return &env
		}
	}
	t.Fatalf("no %s envelope within 50 messages", envType)
	return nil
}

func TestManagerCreateAndRemoveSession(t *testing.T) {
	st := newFakeStore()
	mgr := newTestManager(t, st, nil, newFakeLive())

	session, err := mgr.CreateSession(context.Background(), "prof-1")
	require.NoError(t, err)

	assert.Equal(t, "prof-1", session.ProfileID)
	assert.Equal(t, 1, mgr.GetActiveSessionCount())

	got, exists := mgr.GetSession(session.ID)
	require.True(t, exists)
	assert.Same(t, session, got)

	infos := mgr.ListSessions()
	require.Len(t, infos, 1)
	assert.Equal(t, session.ID, infos[0].SessionID)

	require.True(t, mgr.RemoveSession(session.ID))
	assert.Equal(t, 0, mgr.GetActiveSessionCount())
	assert.False(t, mgr.RemoveSession(session.ID))

	closed := st.closedSessions()
	require.Len(t, closed, 1)
	assert.Equal(t, "usage-1", closed[0].id)
}

func TestManagerUnknownProfile(t *testing.T) {
	mgr := newTestManager(t, newFakeStore(), nil, newFakeLive())

	_, err := mgr.CreateSession(context.Background(), "nobody")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 0, mgr.GetActiveSessionCount())
}

func TestManagerSessionLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Session.MaxConcurrent = 1

	mgr := newTestManager(t, newFakeStore(), cfg, newFakeLive(), newFakeLive())

	_, err := mgr.CreateSession(context.Background(), "prof-1")
	require.NoError(t, err)

	_, err = mgr.CreateSession(context.Background(), "prof-1")
	assert.ErrorIs(t, err, ErrSessionLimit)
}

func TestManagerLiveStartFailure(t *testing.T) {
	fl := newFakeLive()
	fl.startErr = errors.New("dial refused")

	mgr := newTestManager(t, newFakeStore(), nil, fl)

	_, err := mgr.CreateSession(context.Background(), "prof-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start live session")
	assert.Equal(t, 0, mgr.GetActiveSessionCount())
}

func TestSessionReadyEnvelope(t *testing.T) {
	mgr := newTestManager(t, newFakeStore(), nil, newFakeLive())

	session, err := mgr.CreateSession(context.Background(), "prof-1")
	require.NoError(t, err)

	session.QueueReady()

	env := popEnvelope(t, session)
	assert.Equal(t, protocol.TypeSessionReady, env.Type)
	assert.Equal(t, session.ID, env.SessionID)
	assert.Equal(t, 24000, env.OutputSampleRate)
	assert.Equal(t, uint32(answerStartSeq), env.StartSequence)
}

func TestSessionTurnLifecycle(t *testing.T) {
	st := newFakeStore()
	fl := newFakeLive()
	mgr := newTestManager(t, st, nil, fl)

	session, err := mgr.CreateSession(context.Background(), "prof-1")
	require.NoError(t, err)

	require.NoError(t, session.HandleFrame(questionFrame(1, 320)))
	require.NoError(t, session.HandleFrame(questionFrame(2, 320)))
	require.NoError(t, session.EndUtterance())

	// EndUtterance flushes the buffered question audio before closing
	assert.Equal(t, 640, fl.sentBytes())
	assert.Equal(t, 1, fl.utteranceEndCount())

	answerPCM := make([]byte, 480)
	fl.events <- live.Event{Type: live.EventQuestionTranscript, Text: "why is the sky blue"}
	fl.events <- live.Event{Type: live.EventAnswerTranscript, Text: "Because sunlight scatters!"}
	fl.events <- live.Event{Type: live.EventAudio, PCM: answerPCM}
	fl.events <- live.Event{Type: live.EventTurnComplete}

	env := popEnvelope(t, session)
	assert.Equal(t, protocol.TypeAnswerTranscript, env.Type)
	assert.Equal(t, "question", env.Role)
	assert.Equal(t, "why is the sky blue", env.Text)

	env = popEnvelope(t, session)
	assert.Equal(t, protocol.TypeAnswerTranscript, env.Type)
	assert.Equal(t, "answer", env.Role)
	assert.Equal(t, "Because sunlight scatters!", env.Text)

	item := popOutbound(t, session)
	require.True(t, item.Binary)
	frame, err := protocol.ParseFrame(item.Data)
	require.NoError(t, err)
	assert.Equal(t, uint8(protocol.DirectionAnswer), frame.Header.Direction)
	assert.Equal(t, uint32(answerStartSeq), frame.Header.Sequence)
	assert.Equal(t, answerPCM, frame.PCM)

	env = popEnvelope(t, session)
	assert.Equal(t, protocol.TypeTurnComplete, env.Type)
	assert.Equal(t, "q-1", env.QuestionID)
	assert.Equal(t, 1, env.QuestionsToday)
	assert.InDelta(t, 0.02, env.QuestionSecs, 1e-9) // 640 bytes at 16 kHz
	assert.InDelta(t, 0.01, env.AnswerSecs, 1e-9)   // 480 bytes at 24 kHz

	inserted := st.insertedParams()
	require.Len(t, inserted, 1)
	assert.Equal(t, "prof-1", inserted[0].ProfileID)
	assert.Equal(t, session.ID, inserted[0].SessionID)
	assert.Equal(t, "why is the sky blue", inserted[0].QuestionText)
	assert.Equal(t, "Because sunlight scatters!", inserted[0].AnswerText)
	assert.Empty(t, inserted[0].QuestionAudioPath, "archival is off in tests")

	require.True(t, mgr.RemoveSession(session.ID))

	closed := st.closedSessions()
	require.Len(t, closed, 1)
	assert.Equal(t, 1, closed[0].questionsAsked)
	assert.InDelta(t, 0.01, closed[0].listenSeconds, 1e-9)
}

func TestSessionSplitsLargeAnswerChunks(t *testing.T) {
	fl := newFakeLive()
	mgr := newTestManager(t, newFakeStore(), nil, fl)

	session, err := mgr.CreateSession(context.Background(), "prof-1")
	require.NoError(t, err)

	fl.events <- live.Event{Type: live.EventAudio, PCM: make([]byte, answerFramePCM+100)}

	first := popOutbound(t, session)
	require.True(t, first.Binary)
	frame, err := protocol.ParseFrame(first.Data)
	require.NoError(t, err)
	assert.Len(t, frame.PCM, answerFramePCM)
	assert.Equal(t, uint32(answerStartSeq), frame.Header.Sequence)

	second := popOutbound(t, session)
	require.True(t, second.Binary)
	frame, err = protocol.ParseFrame(second.Data)
	require.NoError(t, err)
	assert.Len(t, frame.PCM, 100)
	assert.Equal(t, uint32(answerStartSeq+1), frame.Header.Sequence)
}

func TestSessionRejectsAnswerDirectionFrames(t *testing.T) {
	mgr := newTestManager(t, newFakeStore(), nil, newFakeLive())

	session, err := mgr.CreateSession(context.Background(), "prof-1")
	require.NoError(t, err)

	frame := questionFrame(1, 320)
	frame.Header.Direction = protocol.DirectionAnswer

	err = session.HandleFrame(frame)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "answer frame")
}

func TestSessionQuotaRefusal(t *testing.T) {
	st := newFakeStore()
	st.setCountToday(3) // profile quota is 3

	fl := newFakeLive()
	mgr := newTestManager(t, st, nil, fl)

	session, err := mgr.CreateSession(context.Background(), "prof-1")
	require.NoError(t, err)

	require.NoError(t, session.HandleFrame(questionFrame(1, 320)))

	env := popEnvelope(t, session)
	assert.Equal(t, protocol.TypeError, env.Type)
	assert.Equal(t, protocol.ErrCodeQuotaExceeded, env.Code)
	assert.False(t, env.Fatal)
	assert.Contains(t, env.Message, "daily question limit of 3")

	// Further frames in the refused turn are swallowed without another error
	require.NoError(t, session.HandleFrame(questionFrame(2, 320)))
	require.NoError(t, session.HandleFrame(questionFrame(3, 320)))
	assert.Zero(t, fl.sentBytes())

	// utterance.end ends the refused turn without reaching upstream
	require.NoError(t, session.EndUtterance())
	assert.Zero(t, fl.utteranceEndCount())

	// With headroom restored the next turn proceeds
	st.setCountToday(0)
	require.NoError(t, session.HandleFrame(questionFrame(4, 320)))
	require.NoError(t, session.EndUtterance())
	assert.Equal(t, 320, fl.sentBytes())
	assert.Equal(t, 1, fl.utteranceEndCount())
}

func TestSessionInterruptionDiscardsPartialAnswer(t *testing.T) {
	st := newFakeStore()
	fl := newFakeLive()
	mgr := newTestManager(t, st, nil, fl)

	session, err := mgr.CreateSession(context.Background(), "prof-1")
	require.NoError(t, err)

	require.NoError(t, session.HandleFrame(questionFrame(1, 320)))
	require.NoError(t, session.EndUtterance())

	fl.events <- live.Event{Type: live.EventAnswerTranscript, Text: "First answer"}
	fl.events <- live.Event{Type: live.EventAudio, PCM: make([]byte, 480)}
	fl.events <- live.Event{Type: live.EventInterrupted}
	fl.events <- live.Event{Type: live.EventAnswerTranscript, Text: "Second answer"}
	fl.events <- live.Event{Type: live.EventAudio, PCM: make([]byte, 960)}
	fl.events <- live.Event{Type: live.EventTurnComplete}

	popEnvelopeUntil(t, session, protocol.TypeTurnComplete)

	inserted := st.insertedParams()
	require.Len(t, inserted, 1)
	assert.Equal(t, "Second answer", inserted[0].AnswerText)
	assert.InDelta(t, 0.02, inserted[0].AnswerSeconds, 1e-9) // 960 bytes at 24 kHz
}

func TestSessionUpstreamFailureIsFatal(t *testing.T) {
	fl := newFakeLive()
	mgr := newTestManager(t, newFakeStore(), nil, fl)

	session, err := mgr.CreateSession(context.Background(), "prof-1")
	require.NoError(t, err)

	fl.events <- live.Event{Type: live.EventError, Err: errors.New("upstream hung up")}

	env := popEnvelope(t, session)
	assert.Equal(t, protocol.TypeError, env.Type)
	assert.Equal(t, protocol.ErrCodeUpstream, env.Code)
	assert.True(t, env.Fatal)
	assert.NotContains(t, env.Message, "hung up", "upstream details must not leak to clients")

	// The outbound queue closes once the fatal error is delivered
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, ok := session.NextOutbound(ctx)
	assert.False(t, ok)
}

func TestSessionForcedEndAtMaxUtterance(t *testing.T) {
	cfg := testConfig()
	cfg.Audio.MaxUtterance = 0.02 // 640 bytes at 16 kHz

	fl := newFakeLive()
	mgr := newTestManager(t, newFakeStore(), cfg, fl)

	session, err := mgr.CreateSession(context.Background(), "prof-1")
	require.NoError(t, err)

	require.NoError(t, session.HandleFrame(questionFrame(1, 640)))
	assert.Equal(t, 1, fl.utteranceEndCount())
	assert.Equal(t, 640, fl.sentBytes())
}

func TestSessionInfoSnapshot(t *testing.T) {
	mgr := newTestManager(t, newFakeStore(), nil, newFakeLive())

	session, err := mgr.CreateSession(context.Background(), "prof-1")
	require.NoError(t, err)

	before := session.LastActivity()
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, session.HandleFrame(questionFrame(1, 320)))

	info := session.Info()
	assert.Equal(t, session.ID, info.SessionID)
	assert.Equal(t, "prof-1", info.ProfileID)
	assert.True(t, info.TurnActive)
	assert.True(t, info.LastActivity.After(before))
	assert.Zero(t, info.QuestionsAsked)
}
