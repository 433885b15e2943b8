package store

import (
	"context"
	"fmt"
	"time"
)

// ExploreItem is a curated question prompt in the explore feed
type ExploreItem struct {
	ID        string    `json:"id"`
	Prompt    string    `json:"prompt"`
	Category  string    `json:"category"`
	MinAge    int       `json:"min_age"`
	MaxAge    int       `json:"max_age"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// ListExploreItems returns active explore prompts, optionally filtered by
// category and by an age that must fall inside the item's age band.
func ListExploreItems(ctx context.Context, q Querier, category string, age int, limit int) ([]ExploreItem, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := q.Query(ctx, `
		SELECT id, prompt, category, min_age, max_age, active, created_at
		FROM explore_items
		WHERE active
		  AND ($1 = '' OR category = $1)
		  AND ($2 = 0 OR ($2 >= min_age AND $2 <= max_age))
		ORDER BY created_at DESC
		LIMIT $3`, category, age, limit)
	if err != nil {
		return nil, fmt.Errorf("list explore items: %w", err)
	}
	defer rows.Close()

	var items []ExploreItem
	for rows.Next() {
		var item ExploreItem
		if err := rows.Scan(&item.ID, &item.Prompt, &item.Category,
			&item.MinAge, &item.MaxAge, &item.Active, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan explore item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
