package store

import (
	"context"
	"fmt"
	"time"
)

// Favorite links a profile to a saved question
type Favorite struct {
	ProfileID  string    `json:"profile_id"`
	QuestionID string    `json:"question_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// AddFavorite marks a question as a favorite. Adding an existing favorite
// is a no-op, and the call reports whether a new row was created.
func AddFavorite(ctx context.Context, q Querier, profileID, questionID string) (bool, error) {
	tag, err := q.Exec(ctx, `
		INSERT INTO favorites (profile_id, question_id)
		VALUES ($1, $2)
		ON CONFLICT (profile_id, question_id) DO NOTHING`,
		profileID, questionID)
	if err != nil {
		return false, fmt.Errorf("add favorite: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RemoveFavorite unmarks a favorite. Removing an absent favorite is not
// an error; the call reports whether a row was deleted.
func RemoveFavorite(ctx context.Context, q Querier, profileID, questionID string) (bool, error) {
	tag, err := q.Exec(ctx, `
		DELETE FROM favorites
		WHERE profile_id = $1 AND question_id = $2`,
		profileID, questionID)
	if err != nil {
		return false, fmt.Errorf("remove favorite: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListFavorites returns a profile's favorited questions, newest favorite first
func ListFavorites(ctx context.Context, q Querier, profileID string, limit, offset int) ([]Question, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := q.Query(ctx, `
		SELECT qs.id, qs.profile_id, COALESCE(qs.session_id, ''), qs.question_text, qs.answer_text,
			COALESCE(qs.question_audio_path, ''), COALESCE(qs.answer_audio_path, ''),
			COALESCE(qs.question_seconds, 0), COALESCE(qs.answer_seconds, 0), qs.created_at
		FROM favorites f
		JOIN questions qs ON qs.id = f.question_id
		WHERE f.profile_id = $1
		ORDER BY f.created_at DESC
		LIMIT $2 OFFSET $3`, profileID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list favorites: %w", err)
	}
	defer rows.Close()

	var questions []Question
	for rows.Next() {
		var item Question
		if err := rows.Scan(&item.ID, &item.ProfileID, &item.SessionID,
			&item.QuestionText, &item.AnswerText,
			&item.QuestionAudioPath, &item.AnswerAudioPath,
			&item.QuestionSeconds, &item.AnswerSeconds, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan favorite: %w", err)
		}
		questions = append(questions, item)
	}
	return questions, rows.Err()
}
