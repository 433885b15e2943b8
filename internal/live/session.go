package live

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// EventType identifies the kind of session event
type EventType int

const (
	// EventAudio carries a decoded PCM chunk of synthesized answer audio
	EventAudio EventType = iota
	// EventQuestionTranscript carries an incremental transcript of the child's speech
	EventQuestionTranscript
	// EventAnswerTranscript carries an incremental transcript of the answer
	EventAnswerTranscript
	// EventTurnComplete signals that the model finished the current answer
	EventTurnComplete
	// EventInterrupted signals that generation was cut off by new input
	EventInterrupted
	// EventClosed signals a clean session shutdown
	EventClosed
	// EventError signals an unrecoverable session failure
	EventError
)

// Event is a single occurrence delivered from the live session
type Event struct {
	Type EventType
	PCM  []byte
	Text string
	Err  error
}

// Config contains live session configuration
type Config struct {
	Endpoint         string
	APIKey           string
	Model            string
	Voice            string
	SystemPrompt     string
	InputSampleRate  int
	OutputSampleRate int
	DialTimeout      time.Duration
	MaxRetries       int
	Heartbeat        time.Duration

	// OnReconnect, when set, is invoked after each successful
	// mid-session resume
	OnReconnect func()
}

// eventBufferSize bounds the session event queue. Audio events are small
// (one network message each), so this covers several seconds of answer.
const eventBufferSize = 256

// Session is one live-inference exchange over WebSocket. It owns the
// connection, performs the setup handshake, and delivers server activity
// through the Events channel until closed.
type Session struct {
	cfg    Config
	logger *slog.Logger
	conn   *Conn

	events chan Event

	ctx    context.Context
	cancel context.CancelFunc

	// Resumption state for mid-turn reconnects
	mu           sync.Mutex
	resumeHandle string
	reconnects   uint64

	closeOnce sync.Once
}

// NewSession creates an unstarted live session
func NewSession(cfg Config, logger *slog.Logger) (*Session, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if cfg.Model == "" {
		return nil, fmt.Errorf("model cannot be empty")
	}

	headers := http.Header{}
	if cfg.APIKey != "" {
		headers.Set("x-api-key", cfg.APIKey)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Session{
		cfg:    cfg,
		logger: logger,
		conn: NewConn(ConnConfig{
			URL:         cfg.Endpoint,
			Headers:     headers,
			DialTimeout: cfg.DialTimeout,
			MaxRetries:  cfg.MaxRetries,
			Logger:      logger,
		}),
		events: make(chan Event, eventBufferSize),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start connects, performs the setup handshake, and begins reading events
func (s *Session) Start(ctx context.Context) error {
	if err := s.conn.ConnectWithRetry(ctx); err != nil {
		return fmt.Errorf("live session connect: %w", err)
	}

	if err := s.handshake(ctx, ""); err != nil {
		_ = s.conn.Close()
		return err
	}

	if s.cfg.Heartbeat > 0 {
		s.conn.StartHeartbeat(s.ctx, s.cfg.Heartbeat)
	}

	go s.readLoop()

	return nil
}

// handshake sends the setup message and waits for setupComplete
func (s *Session) handshake(ctx context.Context, resumeHandle string) error {
	setup := &Setup{
		Model: s.cfg.Model,
		GenerationConfig: &GenerationConfig{
			ResponseModalities: []string{"AUDIO"},
		},
		InputTranscription:  &TranscriptionConfig{},
		OutputTranscription: &TranscriptionConfig{},
		SessionResumption:   &SessionResumption{Handle: resumeHandle},
	}

	if s.cfg.Voice != "" {
		setup.GenerationConfig.SpeechConfig = &SpeechConfig{VoiceName: s.cfg.Voice}
	}

	if s.cfg.SystemPrompt != "" {
		setup.SystemInstruction = &Content{
			Parts: []Part{{Text: s.cfg.SystemPrompt}},
		}
	}

	if err := s.conn.Send(&ClientMessage{Setup: setup}); err != nil {
		return fmt.Errorf("failed to send setup: %w", err)
	}

	// The server must acknowledge setup before any content flows
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout+DefaultDialTimeout)
	defer cancel()

	data, err := s.conn.Receive(waitCtx)
	if err != nil {
		return fmt.Errorf("failed to read setup acknowledgement: %w", err)
	}

	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("failed to parse setup acknowledgement: %w", err)
	}

	if msg.SetupComplete == nil {
		return fmt.Errorf("unexpected first message: setupComplete missing")
	}

	return nil
}

// SendAudio streams a PCM chunk into the session
func (s *Session) SendAudio(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}

	return s.conn.Send(&ClientMessage{
		RealtimeInput: &RealtimeInput{
			Audio: &InlineData{
				MimeType: fmt.Sprintf("audio/pcm;rate=%d", s.cfg.InputSampleRate),
				Data:     base64.StdEncoding.EncodeToString(pcm),
			},
		},
	})
}

// EndUtterance signals the end of the child's question audio
func (s *Session) EndUtterance() error {
	return s.conn.Send(&ClientMessage{
		RealtimeInput: &RealtimeInput{AudioStreamEnd: true},
	})
}

// Events returns the channel of session events. It is closed after
// EventClosed or a fatal EventError is delivered.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Reconnects returns how many times the session re-established its connection
func (s *Session) Reconnects() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnects
}

// Close tears the session down. Safe to call multiple times.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.conn.Close()
	})
	return nil
}

// readLoop consumes server messages until the session ends
func (s *Session) readLoop() {
	defer close(s.events)

	for {
		data, err := s.conn.Receive(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				s.emit(Event{Type: EventClosed})
				return
			}

			if s.tryReconnect() {
				continue
			}

			s.emit(Event{Type: EventError, Err: fmt.Errorf("live session read: %w", err)})
			return
		}

		var msg ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("Failed to parse live API message",
				slog.String("error", err.Error()),
				slog.Int("size", len(data)),
			)
			continue
		}

		s.dispatch(&msg)
	}
}

// dispatch translates one server message into session events
func (s *Session) dispatch(msg *ServerMessage) {
	if msg.SessionResumptionUpdate != nil && msg.SessionResumptionUpdate.Resumable {
		s.mu.Lock()
		s.resumeHandle = msg.SessionResumptionUpdate.NewHandle
		s.mu.Unlock()
	}

	if msg.GoAway != nil {
		s.logger.Info("Live API announced connection shutdown",
			slog.String("time_left", msg.GoAway.TimeLeft),
		)
	}

	sc := msg.ServerContent
	if sc == nil {
		return
	}

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		s.emit(Event{Type: EventQuestionTranscript, Text: sc.InputTranscription.Text})
	}

	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		s.emit(Event{Type: EventAnswerTranscript, Text: sc.OutputTranscription.Text})
	}

	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part.InlineData != nil && part.InlineData.Data != "" {
				pcm, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
				if err != nil {
					s.logger.Warn("Failed to decode answer audio",
						slog.String("error", err.Error()),
					)
					continue
				}
				s.emit(Event{Type: EventAudio, PCM: pcm})
			}

			if part.Text != "" {
				s.emit(Event{Type: EventAnswerTranscript, Text: part.Text})
			}
		}
	}

	if sc.Interrupted {
		s.emit(Event{Type: EventInterrupted})
	}

	if sc.TurnComplete {
		s.emit(Event{Type: EventTurnComplete})
	}
}

// tryReconnect re-establishes the connection with the last resume handle
func (s *Session) tryReconnect() bool {
	s.mu.Lock()
	handle := s.resumeHandle
	s.mu.Unlock()

	if handle == "" {
		return false
	}

	s.logger.Warn("Live session dropped, attempting resume")

	s.conn.Reset()

	if err := s.conn.ConnectWithRetry(s.ctx); err != nil {
		s.logger.Error("Live session resume failed",
			slog.String("error", err.Error()),
		)
		return false
	}

	if err := s.handshake(s.ctx, handle); err != nil {
		s.logger.Error("Live session resume handshake failed",
			slog.String("error", err.Error()),
		)
		return false
	}

	// The old heartbeat stopped with the old connection
	if s.cfg.Heartbeat > 0 {
		s.conn.StartHeartbeat(s.ctx, s.cfg.Heartbeat)
	}

	s.mu.Lock()
	s.reconnects++
	s.mu.Unlock()

	if s.cfg.OnReconnect != nil {
		s.cfg.OnReconnect()
	}

	s.logger.Info("Live session resumed")

	return true
}

// emit delivers an event without blocking shutdown
func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}
