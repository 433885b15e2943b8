package relay

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/btimofeyev/dewey/internal/audio"
	"github.com/btimofeyev/dewey/internal/live"
	"github.com/btimofeyev/dewey/internal/protocol"
	"github.com/btimofeyev/dewey/internal/store"
)

// liveSession is the slice of live.Session the relay uses; tests fake it
type liveSession interface {
	Start(ctx context.Context) error
	SendAudio(pcm []byte) error
	EndUtterance() error
	Events() <-chan live.Event
	Reconnects() uint64
	Close() error
}

const (
	// answerStartSeq is the first sequence number of answer frames,
	// announced to the client in session.ready
	answerStartSeq = 1

	// answerFramePCM caps the PCM payload of one answer frame. Upstream
	// chunks larger than this are split across frames.
	answerFramePCM = 8192

	// forwardInterval is how often buffered question audio is drained
	// and forwarded upstream
	forwardInterval = 100 * time.Millisecond
)

// Session is one active relay between a client WebSocket and an upstream
// live-inference session
type Session struct {
	ID        string
	ProfileID string
	StartTime time.Time

	questionBuf *audio.Buffer
	live        liveSession
	queue       *outQueue

	manager *Manager
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once

	mu           sync.Mutex
	lastActivity time.Time

	// Turn state, guarded by mu
	turnActive      bool
	quotaBlocked    bool
	dailyQuota      int
	usedToday       int
	turnIndex       int
	questionText    strings.Builder
	answerText      strings.Builder
	turnQuestionPCM []byte
	turnAnswerPCM   []byte
	utteranceEndAt  time.Time

	// Accounting
	answerSeq      uint32
	questionsAsked int
	listenSeconds  float64
	usageID        string
}

// SessionInfo represents session state for monitoring APIs
type SessionInfo struct {
	SessionID      string            `json:"session_id"`
	ProfileID      string            `json:"profile_id"`
	StartTime      time.Time         `json:"start_time"`
	LastActivity   time.Time         `json:"last_activity"`
	Duration       time.Duration     `json:"duration"`
	QuestionsAsked int               `json:"questions_asked"`
	ListenSeconds  float64           `json:"listen_seconds"`
	TurnActive     bool              `json:"turn_active"`
	QueueDepth     int               `json:"queue_depth"`
	FramesDropped  uint64            `json:"frames_dropped"`
	LiveReconnects uint64            `json:"live_reconnects"`
	Buffer         audio.BufferStats `json:"buffer"`
}

// start connects the upstream session and launches the pumps
func (s *Session) start(ctx context.Context) error {
	if err := s.live.Start(ctx); err != nil {
		return fmt.Errorf("failed to start live session: %w", err)
	}
	s.manager.metrics.RecordLiveConnect()

	dbCtx, cancel := context.WithTimeout(ctx, s.manager.queryTimeout)
	defer cancel()

	usageID, err := s.manager.store.InsertUsageSession(dbCtx, s.ProfileID, s.StartTime)
	if err != nil {
		_ = s.live.Close()
		return fmt.Errorf("failed to open usage session: %w", err)
	}
	s.usageID = usageID

	s.wg.Add(2)
	go s.forwardLoop()
	go s.eventLoop()

	return nil
}

// QueueReady enqueues the session.ready envelope for the client
func (s *Session) QueueReady() {
	s.pushEnvelope(&protocol.Envelope{
		Type:             protocol.TypeSessionReady,
		SessionID:        s.ID,
		OutputSampleRate: s.manager.audioCfg.OutputSampleRate,
		StartSequence:    answerStartSeq,
	})
}

// QueueError enqueues an error envelope for the client
func (s *Session) QueueError(code, message string, fatal bool) {
	s.pushEnvelope(protocol.ErrorEnvelope(code, message, fatal))
}

// HandleFrame ingests one question audio frame from the client
func (s *Session) HandleFrame(frame *protocol.AudioFrame) error {
	if frame.Header.Direction != protocol.DirectionQuestion {
		return fmt.Errorf("client sent %s frame", protocol.DirectionString(frame.Header.Direction))
	}

	s.touch()
	s.manager.metrics.RecordFrameReceived()

	s.mu.Lock()
	if s.quotaBlocked {
		s.mu.Unlock()
		return nil
	}

	if !s.turnActive {
		// Quota is checked once, at the start of each turn
		used, err := s.countUsedToday()
		if err != nil {
			s.mu.Unlock()
			s.logger.Error("Quota check failed",
				slog.String("session_id", s.ID),
				slog.String("error", err.Error()),
			)
			s.QueueError(protocol.ErrCodeInternal, "could not verify daily limit", false)
			return nil
		}

		s.usedToday = used
		if used >= s.dailyQuota {
			s.quotaBlocked = true
			s.mu.Unlock()
			s.manager.metrics.RecordQuotaRefusal()
			s.logger.Info("Turn refused, daily quota reached",
				slog.String("session_id", s.ID),
				slog.String("profile_id", s.ProfileID),
				slog.Int("used_today", used),
				slog.Int("daily_quota", s.dailyQuota),
			)
			s.QueueError(protocol.ErrCodeQuotaExceeded,
				fmt.Sprintf("daily question limit of %d reached", s.dailyQuota), false)
			return nil
		}

		s.turnActive = true
	}
	s.mu.Unlock()

	if err := s.questionBuf.Append(frame.Header.Sequence, frame.PCM); err != nil {
		// Stale and duplicate frames are dropped, not fatal
		s.logger.Debug("Dropped question frame",
			slog.String("session_id", s.ID),
			slog.Uint64("sequence", uint64(frame.Header.Sequence)),
			slog.String("error", err.Error()),
		)
		return nil
	}

	if s.questionBuf.Duration() >= s.manager.maxUtterance {
		s.logger.Warn("Maximum utterance length reached, forcing end of turn",
			slog.String("session_id", s.ID),
			slog.Duration("max_utterance", s.manager.maxUtterance),
		)
		return s.EndUtterance()
	}

	return nil
}

// EndUtterance finishes the child's question and hands the turn to the model
func (s *Session) EndUtterance() error {
	s.touch()

	s.mu.Lock()
	if s.quotaBlocked {
		// Clear the block so the client can try again next turn
		s.quotaBlocked = false
		s.mu.Unlock()
		return nil
	}

	if !s.turnActive {
		s.mu.Unlock()
		return nil
	}
	s.utteranceEndAt = time.Now()
	s.mu.Unlock()

	// Flush whatever is still buffered before closing the utterance
	if pcm := s.questionBuf.Drain(); len(pcm) > 0 {
		s.recordQuestionPCM(pcm)
		if err := s.live.SendAudio(pcm); err != nil {
			return fmt.Errorf("failed to flush question audio: %w", err)
		}
	}

	if err := s.live.EndUtterance(); err != nil {
		return fmt.Errorf("failed to end utterance: %w", err)
	}

	return nil
}

// NextOutbound blocks until the next message for the client is available.
// Returns false when the session is finished.
func (s *Session) NextOutbound(ctx context.Context) (Outbound, bool) {
	return s.queue.Pop(ctx)
}

// Info returns a monitoring snapshot
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SessionInfo{
		SessionID:      s.ID,
		ProfileID:      s.ProfileID,
		StartTime:      s.StartTime,
		LastActivity:   s.lastActivity,
		Duration:       time.Since(s.StartTime),
		QuestionsAsked: s.questionsAsked,
		ListenSeconds:  s.listenSeconds,
		TurnActive:     s.turnActive,
		QueueDepth:     s.queue.Len(),
		FramesDropped:  s.queue.Dropped(),
		LiveReconnects: s.live.Reconnects(),
		Buffer:         s.questionBuf.Stats(),
	}
}

// LastActivity returns the time of the last client interaction
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// shutdown stops the pumps, closes the upstream session, and flushes
// usage accounting. Called by the manager; safe to call multiple times.
func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.live.Close()
		s.wg.Wait()
		s.queue.Close()

		s.mu.Lock()
		asked := s.questionsAsked
		listened := s.listenSeconds
		usageID := s.usageID
		s.mu.Unlock()

		if usageID != "" {
			ctx, cancel := context.WithTimeout(context.Background(), s.manager.queryTimeout)
			defer cancel()

			if err := s.manager.store.CloseUsageSession(ctx, usageID, time.Now(), asked, listened); err != nil {
				s.logger.Error("Failed to flush usage session",
					slog.String("session_id", s.ID),
					slog.String("usage_id", usageID),
					slog.String("error", err.Error()),
				)
			}
		}
	})
}

// forwardLoop periodically drains buffered question audio upstream
func (s *Session) forwardLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(forwardInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pcm := s.questionBuf.Drain()
			if len(pcm) == 0 {
				continue
			}

			s.recordQuestionPCM(pcm)
			if err := s.live.SendAudio(pcm); err != nil {
				s.logger.Warn("Failed to forward question audio",
					slog.String("session_id", s.ID),
					slog.Int("bytes", len(pcm)),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// eventLoop consumes upstream events and fans them out to the client
func (s *Session) eventLoop() {
	defer s.wg.Done()
	defer s.queue.Close()

	for ev := range s.live.Events() {
		switch ev.Type {
		case live.EventAudio:
			s.relayAnswerAudio(ev.PCM)

		case live.EventQuestionTranscript:
			s.appendTranscript("question", ev.Text)

		case live.EventAnswerTranscript:
			s.appendTranscript("answer", ev.Text)

		case live.EventInterrupted:
			s.handleInterruption()

		case live.EventTurnComplete:
			s.completeTurn()

		case live.EventError:
			s.manager.metrics.RecordLiveFailure()
			s.logger.Error("Live session failed",
				slog.String("session_id", s.ID),
				slog.String("error", ev.Err.Error()),
			)
			s.QueueError(protocol.ErrCodeUpstream, "answer service unavailable", true)
			return

		case live.EventClosed:
			return
		}
	}
}

// relayAnswerAudio splits an upstream audio chunk into sequence-numbered
// frames and queues them for the client
func (s *Session) relayAnswerAudio(pcm []byte) {
	if len(pcm) == 0 {
		return
	}

	s.mu.Lock()
	s.turnAnswerPCM = append(s.turnAnswerPCM, pcm...)
	s.mu.Unlock()

	outputRate := s.manager.audioCfg.OutputSampleRate
	s.manager.metrics.RecordAnswerAudio(float64(len(pcm)/2) / float64(outputRate))

	for offset := 0; offset < len(pcm); offset += answerFramePCM {
		end := offset + answerFramePCM
		if end > len(pcm) {
			end = len(pcm)
		}

		s.mu.Lock()
		seq := s.answerSeq
		s.answerSeq++
		s.mu.Unlock()

		frame, err := protocol.EncodeFrame(protocol.DirectionAnswer, seq, pcm[offset:end])
		if err != nil {
			s.logger.Warn("Failed to encode answer frame",
				slog.String("session_id", s.ID),
				slog.String("error", err.Error()),
			)
			continue
		}

		if dropped := s.queue.PushAudio(frame); dropped > 0 {
			s.manager.metrics.RecordFrameDropped()
		}
		s.manager.metrics.RecordFrameRelayed()
	}
}

// appendTranscript accumulates a transcript delta and forwards it
func (s *Session) appendTranscript(role, text string) {
	s.mu.Lock()
	if role == "question" {
		s.questionText.WriteString(text)
	} else {
		s.answerText.WriteString(text)
	}
	s.mu.Unlock()

	s.manager.metrics.RecordTranscriptChars(len(text))

	s.pushEnvelope(&protocol.Envelope{
		Type: protocol.TypeAnswerTranscript,
		Role: role,
		Text: text,
	})
}

// handleInterruption discards the partial answer when the child talks over it
func (s *Session) handleInterruption() {
	s.mu.Lock()
	s.turnAnswerPCM = s.turnAnswerPCM[:0]
	s.answerText.Reset()
	s.mu.Unlock()

	s.logger.Info("Answer interrupted by new input",
		slog.String("session_id", s.ID),
	)
}

// completeTurn persists the finished exchange and notifies the client
func (s *Session) completeTurn() {
	s.mu.Lock()
	if !s.turnActive {
		s.mu.Unlock()
		return
	}

	s.turnIndex++
	turn := s.turnIndex
	questionText := s.questionText.String()
	answerText := s.answerText.String()
	questionPCM := s.turnQuestionPCM
	answerPCM := s.turnAnswerPCM
	utteranceEnd := s.utteranceEndAt

	s.turnActive = false
	s.questionText.Reset()
	s.answerText.Reset()
	s.turnQuestionPCM = nil
	s.turnAnswerPCM = nil
	s.mu.Unlock()

	s.questionBuf.Reset()

	inputRate := s.manager.audioCfg.InputSampleRate
	outputRate := s.manager.audioCfg.OutputSampleRate
	questionSecs := float64(len(questionPCM)/2) / float64(inputRate)
	answerSecs := float64(len(answerPCM)/2) / float64(outputRate)

	questionPath := s.archive(turn, "question", questionPCM, inputRate)
	answerPath := s.archive(turn, "answer", answerPCM, outputRate)

	ctx, cancel := context.WithTimeout(context.Background(), s.manager.queryTimeout)
	defer cancel()

	questionID, err := s.manager.store.InsertQuestion(ctx, store.InsertQuestionParams{
		ProfileID:         s.ProfileID,
		SessionID:         s.ID,
		QuestionText:      questionText,
		AnswerText:        answerText,
		QuestionAudioPath: questionPath,
		AnswerAudioPath:   answerPath,
		QuestionSeconds:   questionSecs,
		AnswerSeconds:     answerSecs,
	})
	if err != nil {
		s.logger.Error("Failed to persist exchange",
			slog.String("session_id", s.ID),
			slog.String("profile_id", s.ProfileID),
			slog.String("error", err.Error()),
		)
		s.QueueError(protocol.ErrCodeInternal, "could not save this question", false)
		return
	}

	s.mu.Lock()
	s.questionsAsked++
	s.usedToday++
	s.listenSeconds += answerSecs
	usedToday := s.usedToday
	s.mu.Unlock()

	if !utteranceEnd.IsZero() {
		s.manager.metrics.RecordTurnComplete(time.Since(utteranceEnd).Seconds())
	}

	s.logger.Info("Turn completed",
		slog.String("session_id", s.ID),
		slog.String("profile_id", s.ProfileID),
		slog.String("question_id", questionID),
		slog.Float64("question_seconds", questionSecs),
		slog.Float64("answer_seconds", answerSecs),
		slog.Int("questions_today", usedToday),
	)

	s.pushEnvelope(&protocol.Envelope{
		Type:           protocol.TypeTurnComplete,
		QuestionID:     questionID,
		QuestionSecs:   questionSecs,
		AnswerSecs:     answerSecs,
		QuestionsToday: usedToday,
	})
}

// archive writes one side of a turn to the media directory as WAV.
// Returns the stored path, or empty when archival is off or fails.
func (s *Session) archive(turn int, kind string, pcm []byte, sampleRate int) string {
	if !s.manager.media.Enabled || len(pcm) == 0 {
		return ""
	}

	wav, err := audio.EncodeWAV(pcm, sampleRate)
	if err != nil {
		s.logger.Warn("Failed to encode archive WAV",
			slog.String("session_id", s.ID),
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
		return ""
	}

	path := filepath.Join(s.manager.media.Dir, fmt.Sprintf("%s_%03d_%s.wav", s.ID, turn, kind))
	if err := os.WriteFile(path, wav, 0o644); err != nil {
		s.logger.Warn("Failed to write archive WAV",
			slog.String("session_id", s.ID),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return ""
	}

	return path
}

func (s *Session) recordQuestionPCM(pcm []byte) {
	s.mu.Lock()
	s.turnQuestionPCM = append(s.turnQuestionPCM, pcm...)
	s.mu.Unlock()
}

func (s *Session) countUsedToday() (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.manager.queryTimeout)
	defer cancel()

	return s.manager.store.CountQuestionsToday(ctx, s.ProfileID)
}

func (s *Session) pushEnvelope(env *protocol.Envelope) {
	data, err := protocol.EncodeEnvelope(env)
	if err != nil {
		s.logger.Error("Failed to encode control envelope",
			slog.String("session_id", s.ID),
			slog.String("type", env.Type),
			slog.String("error", err.Error()),
		)
		return
	}

	s.queue.PushControl(data)
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}
