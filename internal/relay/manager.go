package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/btimofeyev/dewey/internal/audio"
	"github.com/btimofeyev/dewey/internal/config"
	"github.com/btimofeyev/dewey/internal/live"
	"github.com/btimofeyev/dewey/internal/metrics"
	"github.com/btimofeyev/dewey/internal/protocol"
)

// ErrSessionLimit is returned when the concurrent session cap is reached
var ErrSessionLimit = fmt.Errorf("concurrent session limit reached")

// Manager owns all active relay sessions
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex

	logger  *slog.Logger
	metrics *metrics.Metrics
	store   Store

	audioCfg     config.AudioConfig
	liveCfg      config.LiveConfig
	sessionCfg   config.SessionConfig
	media        config.MediaConfig
	maxUtterance time.Duration
	queryTimeout time.Duration

	// newLive builds the upstream session; tests substitute a fake
	newLive func(cfg live.Config, logger *slog.Logger) (liveSession, error)

	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// NewManager creates a relay session manager and starts its idle sweep
func NewManager(logger *slog.Logger, cfg *config.Config, m *metrics.Metrics, st Store) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	mgr := &Manager{
		sessions:     make(map[string]*Session),
		logger:       logger,
		metrics:      m,
		store:        st,
		audioCfg:     cfg.Audio,
		liveCfg:      cfg.Live,
		sessionCfg:   cfg.Session,
		media:        cfg.Media,
		maxUtterance: cfg.Audio.GetMaxUtteranceDuration(),
		queryTimeout: cfg.Database.GetQueryTimeoutDuration(),
		ctx:          ctx,
		cancel:       cancel,
		cleanup:      make(chan struct{}),
		newLive: func(lc live.Config, l *slog.Logger) (liveSession, error) {
			return live.NewSession(lc, l)
		},
	}

	go mgr.startCleanupRoutine()

	return mgr
}

// CreateSession opens a new relay session for the given profile. The profile
// must exist; its daily quota governs the session's turns.
func (m *Manager) CreateSession(ctx context.Context, profileID string) (*Session, error) {
	m.mu.RLock()
	active := len(m.sessions)
	m.mu.RUnlock()

	if active >= m.sessionCfg.MaxConcurrent {
		return nil, ErrSessionLimit
	}

	dbCtx, cancel := context.WithTimeout(ctx, m.queryTimeout)
	profile, err := m.store.GetProfile(dbCtx, profileID)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}

	quota := profile.DailyQuota
	if quota <= 0 {
		quota = m.sessionCfg.DefaultDailyQuota
	}

	sessionID := uuid.NewString()

	ls, err := m.newLive(live.Config{
		Endpoint:         m.liveCfg.Endpoint,
		APIKey:           m.liveCfg.APIKey,
		Model:            m.liveCfg.Model,
		Voice:            m.liveCfg.Voice,
		SystemPrompt:     m.liveCfg.SystemPrompt,
		InputSampleRate:  m.audioCfg.InputSampleRate,
		OutputSampleRate: m.audioCfg.OutputSampleRate,
		DialTimeout:      m.liveCfg.GetDialTimeoutDuration(),
		MaxRetries:       m.liveCfg.MaxRetries,
		Heartbeat:        m.liveCfg.GetHeartbeatDuration(),
		OnReconnect:      m.metrics.RecordLiveReconnect,
	}, m.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create live session: %w", err)
	}

	sessionCtx, sessionCancel := context.WithCancel(m.ctx)

	now := time.Now()
	session := &Session{
		ID:        sessionID,
		ProfileID: profileID,
		StartTime: now,

		questionBuf: audio.NewBuffer(sessionID, protocol.DirectionQuestion,
			m.audioCfg.InputSampleRate, m.audioCfg.MaxSequenceGap),
		live:  ls,
		queue: newOutQueue(m.sessionCfg.OutboundQueueSize),

		manager: m,
		logger:  m.logger,

		ctx:    sessionCtx,
		cancel: sessionCancel,

		lastActivity: now,
		dailyQuota:   quota,
		answerSeq:    answerStartSeq,
	}

	if err := session.start(ctx); err != nil {
		sessionCancel()
		return nil, err
	}

	m.mu.Lock()
	if len(m.sessions) >= m.sessionCfg.MaxConcurrent {
		m.mu.Unlock()
		session.shutdown()
		return nil, ErrSessionLimit
	}
	m.sessions[sessionID] = session
	active = len(m.sessions)
	m.mu.Unlock()

	m.metrics.RecordSessionCreated()
	m.metrics.SetActiveSessions(active)

	m.logger.Info("Created relay session",
		slog.String("session_id", sessionID),
		slog.String("profile_id", profileID),
		slog.Int("daily_quota", quota),
		slog.Int("active_sessions", active),
	)

	return session, nil
}

// GetSession retrieves an active session
func (m *Manager) GetSession(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[sessionID]
	return session, exists
}

// GetActiveSessionCount returns the number of currently active sessions
func (m *Manager) GetActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// ListSessions returns monitoring snapshots of all active sessions
func (m *Manager) ListSessions() []SessionInfo {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, session := range sessions {
		infos = append(infos, session.Info())
	}
	return infos
}

// RemoveSession tears a session down and removes it from the registry
func (m *Manager) RemoveSession(sessionID string) bool {
	m.mu.Lock()
	session, exists := m.sessions[sessionID]
	if !exists {
		m.mu.Unlock()
		return false
	}
	delete(m.sessions, sessionID)
	active := len(m.sessions)
	m.mu.Unlock()

	session.shutdown()

	duration := time.Since(session.StartTime)
	m.metrics.RecordSessionDestroyed(duration.Seconds())
	m.metrics.SetActiveSessions(active)

	info := session.Info()
	m.logger.Info("Relay session removed",
		slog.String("session_id", sessionID),
		slog.String("profile_id", session.ProfileID),
		slog.Duration("duration", duration),
		slog.Int("questions_asked", info.QuestionsAsked),
		slog.Float64("listen_seconds", info.ListenSeconds),
		slog.Uint64("frames_dropped", info.FramesDropped),
	)

	return true
}

// Stop gracefully stops the manager and all sessions
func (m *Manager) Stop() {
	m.logger.Info("Stopping relay manager...")

	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.RemoveSession(id)
	}

	m.cancel()
	<-m.cleanup

	m.logger.Info("Relay manager stopped",
		slog.Int("remaining_sessions", m.GetActiveSessionCount()),
	)
}

// startCleanupRoutine expires idle sessions in the background
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	idleTimeout := m.sessionCfg.GetIdleTimeoutDuration()

	m.logger.Info("Session cleanup routine started",
		slog.Duration("idle_timeout", idleTimeout),
		slog.Duration("check_interval", 30*time.Second),
	)

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("Session cleanup routine stopping")
			return

		case <-ticker.C:
			m.cleanupIdleSessions(idleTimeout)
		}
	}
}

// cleanupIdleSessions removes sessions with no client activity past the timeout
func (m *Manager) cleanupIdleSessions(idleTimeout time.Duration) {
	now := time.Now()

	m.mu.RLock()
	expired := make([]string, 0)
	for id, session := range m.sessions {
		if now.Sub(session.LastActivity()) > idleTimeout {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	if len(expired) == 0 {
		return
	}

	m.logger.Info("Expiring idle sessions",
		slog.Int("expired_count", len(expired)),
	)

	for _, id := range expired {
		m.RemoveSession(id)
	}
}
