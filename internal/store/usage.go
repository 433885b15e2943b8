package store

import (
	"context"
	"fmt"
	"time"
)

// UsageSession is one streaming session's accounting row
type UsageSession struct {
	ID             string    `json:"id"`
	ProfileID      string    `json:"profile_id"`
	StartedAt      time.Time `json:"started_at"`
	EndedAt        time.Time `json:"ended_at"`
	QuestionsAsked int       `json:"questions_asked"`
	ListenSeconds  float64   `json:"listen_seconds"`
}

// InsertUsageSession records the start of a streaming session
func InsertUsageSession(ctx context.Context, q Querier, profileID string, startedAt time.Time) (string, error) {
	var id string
	err := q.QueryRow(ctx, `
		INSERT INTO usage_sessions (profile_id, started_at)
		VALUES ($1, $2)
		RETURNING id`,
		profileID, startedAt,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("insert usage session: %w", err)
	}
	return id, nil
}

// CloseUsageSession finalizes a session's accounting at teardown
func CloseUsageSession(ctx context.Context, q Querier, id string, endedAt time.Time, questionsAsked int, listenSeconds float64) error {
	_, err := q.Exec(ctx, `
		UPDATE usage_sessions
		SET ended_at = $2, questions_asked = $3, listen_seconds = $4
		WHERE id = $1`,
		id, endedAt, questionsAsked, listenSeconds)
	if err != nil {
		return fmt.Errorf("close usage session: %w", err)
	}
	return nil
}

// DashboardDay is one day of activity in the parental dashboard
type DashboardDay struct {
	Day           string  `json:"day"`
	Questions     int     `json:"questions"`
	ListenSeconds float64 `json:"listen_seconds"`
}

// Dashboard summarizes a profile's recent activity for the parent view
type Dashboard struct {
	ProfileID       string         `json:"profile_id"`
	Days            []DashboardDay `json:"days"`
	TotalQuestions  int            `json:"total_questions"`
	TotalListenSecs float64        `json:"total_listen_seconds"`
	RecentQuestions []Question     `json:"recent_questions"`
}

// GetDashboard aggregates per-day question counts and listen time over the
// last `days` days (UTC), plus the most recent questions.
func GetDashboard(ctx context.Context, q Querier, profileID string, days int) (*Dashboard, error) {
	if days <= 0 {
		days = 7
	}

	d := &Dashboard{ProfileID: profileID}

	rows, err := q.Query(ctx, `
		SELECT to_char(date_trunc('day', qs.created_at AT TIME ZONE 'utc'), 'YYYY-MM-DD') AS day,
			COUNT(*) AS questions,
			COALESCE(SUM(qs.answer_seconds), 0) AS listen_seconds
		FROM questions qs
		WHERE qs.profile_id = $1
		  AND qs.created_at >= date_trunc('day', now() AT TIME ZONE 'utc') - ($2 - 1) * INTERVAL '1 day'
		GROUP BY day
		ORDER BY day DESC`, profileID, days)
	if err != nil {
		return nil, fmt.Errorf("dashboard days: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var day DashboardDay
		if err := rows.Scan(&day.Day, &day.Questions, &day.ListenSeconds); err != nil {
			return nil, fmt.Errorf("scan dashboard day: %w", err)
		}
		d.Days = append(d.Days, day)
		d.TotalQuestions += day.Questions
		d.TotalListenSecs += day.ListenSeconds
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dashboard days: %w", err)
	}

	recent, err := ListQuestions(ctx, q, profileID, 5, 0)
	if err != nil {
		return nil, err
	}
	d.RecentQuestions = recent

	return d, nil
}
