package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"news_sniper/internal/model"
)

const feedColumns = `id, name, url, tag, priority, interval_minutes, is_active, last_check_at, created_at`

// CreateFeed inserts a new feed and populates its ID and CreatedAt.
func (s *SQLite) CreateFeed(ctx context.Context, feed *model.Feed) error {
	if feed.Tag == "" {
		feed.Tag = model.TagNormal
	}
	if feed.Priority == 0 {
		feed.Priority = model.DefaultPriority
	}
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO feeds (name, url, tag, priority, interval_minutes, is_active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		feed.Name, feed.URL, feed.Tag, feed.Priority, feed.IntervalMinutes, boolToInt(feed.IsActive), now,
	)
	if err != nil {
		return fmt.Errorf("insert feed: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	feed.ID = id
	feed.CreatedAt = parseTime(now)
	return nil
}

// GetFeed returns a single feed by its ID.
func (s *SQLite) GetFeed(ctx context.Context, id int64) (*model.Feed, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+feedColumns+` FROM feeds WHERE id = ?`, id)
	return scanFeed(row)
}

// ListFeeds returns all feeds ordered by ID.
func (s *SQLite) ListFeeds(ctx context.Context) ([]model.Feed, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+feedColumns+` FROM feeds ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query feeds: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanFeeds(rows)
}

// ListDueFeeds returns all active feeds that are due for checking at now.
func (s *SQLite) ListDueFeeds(ctx context.Context, now time.Time) ([]model.Feed, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+feedColumns+`
		 FROM feeds
		 WHERE is_active = 1
		   AND (last_check_at IS NULL
		        OR datetime(last_check_at, '+' || interval_minutes || ' minutes') <= datetime(?))
		 ORDER BY priority DESC, id`,
		formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("query due feeds: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanFeeds(rows)
}

// UpdateFeed persists changes to an existing feed.
func (s *SQLite) UpdateFeed(ctx context.Context, feed *model.Feed) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE feeds SET name = ?, url = ?, tag = ?, priority = ?, interval_minutes = ?, is_active = ?, last_check_at = ?
		 WHERE id = ?`,
		feed.Name, feed.URL, feed.Tag, feed.Priority, feed.IntervalMinutes, boolToInt(feed.IsActive),
		formatTimePtr(feed.LastCheckAt), feed.ID,
	)
	if err != nil {
		return fmt.Errorf("update feed: %w", err)
	}
	return nil
}

// DeleteFeed removes a feed and its seen items.
func (s *SQLite) DeleteFeed(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM seen_items WHERE feed_id = ?`, id); err != nil {
		return fmt.Errorf("delete seen_items: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM feeds WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete feed: %w", err)
	}
	return tx.Commit()
}

// MarkSeen records that an RSS item has been ingested.
func (s *SQLite) MarkSeen(ctx context.Context, feedID int64, guid string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO seen_items (feed_id, guid) VALUES (?, ?)`,
		feedID, guid,
	)
	if err != nil {
		return fmt.Errorf("mark seen: %w", err)
	}
	return nil
}

// IsSeen checks whether an RSS item has already been ingested.
func (s *SQLite) IsSeen(ctx context.Context, feedID int64, guid string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM seen_items WHERE feed_id = ? AND guid = ?`,
		feedID, guid,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check seen: %w", err)
	}
	return count > 0, nil
}

func scanFeed(row scannable) (*model.Feed, error) {
	var f model.Feed
	var isActive int
	var lastCheck, created sql.NullString
	err := row.Scan(&f.ID, &f.Name, &f.URL, &f.Tag, &f.Priority, &f.IntervalMinutes, &isActive, &lastCheck, &created)
	if err != nil {
		return nil, notFound(err, "feed")
	}
	f.IsActive = isActive == 1
	f.LastCheckAt = parseNullTime(lastCheck)
	if created.Valid {
		f.CreatedAt = parseTime(created.String)
	}
	return &f, nil
}

func scanFeeds(rows *sql.Rows) ([]model.Feed, error) {
	var feeds []model.Feed
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, *f)
	}
	return feeds, rows.Err()
}
