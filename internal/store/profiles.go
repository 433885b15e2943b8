package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("not found")

// Profile is a child profile
type Profile struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	BirthYear  int       `json:"birth_year"`
	DailyQuota int       `json:"daily_quota"`
	CreatedAt  time.Time `json:"created_at"`
}

// InsertProfileParams contains the fields for creating a profile
type InsertProfileParams struct {
	Name       string
	BirthYear  int
	DailyQuota int
}

// InsertProfile creates a child profile and returns its generated ID
func InsertProfile(ctx context.Context, q Querier, p InsertProfileParams) (string, error) {
	var id string
	err := q.QueryRow(ctx, `
		INSERT INTO profiles (name, birth_year, daily_quota)
		VALUES ($1, $2, $3)
		RETURNING id`,
		p.Name, p.BirthYear, p.DailyQuota,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("insert profile: %w", err)
	}
	return id, nil
}

// GetProfile fetches a profile by ID
func GetProfile(ctx context.Context, q Querier, id string) (*Profile, error) {
	var p Profile
	err := q.QueryRow(ctx, `
		SELECT id, name, birth_year, daily_quota, created_at
		FROM profiles
		WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.BirthYear, &p.DailyQuota, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return &p, nil
}
