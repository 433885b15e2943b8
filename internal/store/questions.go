package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Question is one persisted question/answer exchange
type Question struct {
	ID                string    `json:"id"`
	ProfileID         string    `json:"profile_id"`
	SessionID         string    `json:"session_id"`
	QuestionText      string    `json:"question_text"`
	AnswerText        string    `json:"answer_text"`
	QuestionAudioPath string    `json:"question_audio_path,omitempty"`
	AnswerAudioPath   string    `json:"answer_audio_path,omitempty"`
	QuestionSeconds   float64   `json:"question_seconds"`
	AnswerSeconds     float64   `json:"answer_seconds"`
	CreatedAt         time.Time `json:"created_at"`
}

// InsertQuestionParams contains the fields for persisting an exchange
type InsertQuestionParams struct {
	ProfileID         string
	SessionID         string
	QuestionText      string
	AnswerText        string
	QuestionAudioPath string
	AnswerAudioPath   string
	QuestionSeconds   float64
	AnswerSeconds     float64
}

// InsertQuestion persists a completed exchange and returns its generated ID
func InsertQuestion(ctx context.Context, q Querier, p InsertQuestionParams) (string, error) {
	var id string
	err := q.QueryRow(ctx, `
		INSERT INTO questions (profile_id, session_id, question_text, answer_text,
			question_audio_path, answer_audio_path, question_seconds, answer_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		p.ProfileID, p.SessionID, p.QuestionText, p.AnswerText,
		p.QuestionAudioPath, p.AnswerAudioPath, p.QuestionSeconds, p.AnswerSeconds,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("insert question: %w", err)
	}
	return id, nil
}

// GetQuestion fetches a single question by ID
func GetQuestion(ctx context.Context, q Querier, id string) (*Question, error) {
	var out Question
	err := q.QueryRow(ctx, `
		SELECT id, profile_id, COALESCE(session_id, ''), question_text, answer_text,
			COALESCE(question_audio_path, ''), COALESCE(answer_audio_path, ''),
			COALESCE(question_seconds, 0), COALESCE(answer_seconds, 0), created_at
		FROM questions
		WHERE id = $1`, id,
	).Scan(&out.ID, &out.ProfileID, &out.SessionID, &out.QuestionText, &out.AnswerText,
		&out.QuestionAudioPath, &out.AnswerAudioPath,
		&out.QuestionSeconds, &out.AnswerSeconds, &out.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get question: %w", err)
	}
	return &out, nil
}

// ListQuestions returns a profile's question history, newest first
func ListQuestions(ctx context.Context, q Querier, profileID string, limit, offset int) ([]Question, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := q.Query(ctx, `
		SELECT id, profile_id, COALESCE(session_id, ''), question_text, answer_text,
			COALESCE(question_audio_path, ''), COALESCE(answer_audio_path, ''),
			COALESCE(question_seconds, 0), COALESCE(answer_seconds, 0), created_at
		FROM questions
		WHERE profile_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, profileID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer rows.Close()

	var questions []Question
	for rows.Next() {
		var item Question
		if err := rows.Scan(&item.ID, &item.ProfileID, &item.SessionID,
			&item.QuestionText, &item.AnswerText,
			&item.QuestionAudioPath, &item.AnswerAudioPath,
			&item.QuestionSeconds, &item.AnswerSeconds, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		questions = append(questions, item)
	}
	return questions, rows.Err()
}

// CountQuestionsToday returns how many questions the profile asked today (UTC)
func CountQuestionsToday(ctx context.Context, q Querier, profileID string) (int, error) {
	var count int
	err := q.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM questions
		WHERE profile_id = $1
		  AND created_at >= date_trunc('day', now() AT TIME ZONE 'utc')`,
		profileID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count questions today: %w", err)
	}
	return count, nil
}
