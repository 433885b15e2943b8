package relay

import (
	"context"
	"time"

	"github.com/btimofeyev/dewey/internal/store"
)

// Store is the persistence surface the relay needs. The production
// implementation wraps the Postgres store; tests substitute a fake.
type Store interface {
	GetProfile(ctx context.Context, id string) (*store.Profile, error)
	CountQuestionsToday(ctx context.Context, profileID string) (int, error)
	InsertQuestion(ctx context.Context, p store.InsertQuestionParams) (string, error)
	InsertUsageSession(ctx context.Context, profileID string, startedAt time.Time) (string, error)
	CloseUsageSession(ctx context.Context, id string, endedAt time.Time, questionsAsked int, listenSeconds float64) error
}

// pgStore adapts a pgx Querier to the relay's Store interface
type pgStore struct {
	db store.Querier
}

// NewStore wraps a database connection for relay use
func NewStore(db store.Querier) Store {
	return &pgStore{db: db}
}

func (s *pgStore) GetProfile(ctx context.Context, id string) (*store.Profile, error) {
	return store.GetProfile(ctx, s.db, id)
}

func (s *pgStore) CountQuestionsToday(ctx context.Context, profileID string) (int, error) {
	return store.CountQuestionsToday(ctx, s.db, profileID)
}

func (s *pgStore) InsertQuestion(ctx context.Context, p store.InsertQuestionParams) (string, error) {
	return store.InsertQuestion(ctx, s.db, p)
}

func (s *pgStore) InsertUsageSession(ctx context.Context, profileID string, startedAt time.Time) (string, error) {
	return store.InsertUsageSession(ctx, s.db, profileID, startedAt)
}

func (s *pgStore) CloseUsageSession(ctx context.Context, id string, endedAt time.Time, questionsAsked int, listenSeconds float64) error {
	return store.CloseUsageSession(ctx, s.db, id, endedAt, questionsAsked, listenSeconds)
}
