package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"news_sniper/internal/model"
)

const newsColumns = `id, content_hash, source_id, source_name, message_id, summary, full_text, keywords,
	relevance_score, quality_score, sentiment, urgency, credibility,
	ai_relevance, ai_credibility, market_impact, final_weight, ai_reasoning,
	permalink, media_ref, tags, occurrences, views, forwards, created_at, last_seen_at`

// UpsertNews inserts rec as the canonical record for its content hash, or,
// when one exists, bumps its occurrence count and links rec as a duplicate.
// The unique constraint on content_hash makes concurrent upserts of the same
// hash converge on one row.
func (s *SQLite) UpsertNews(ctx context.Context, rec *model.NewsRecord) (UpsertResult, error) {
	keywords, err := encodeJSON(rec.Keywords)
	if err != nil {
		return UpsertResult{}, err
	}
	tags, err := encodeJSON(rec.Tags)
	if err != nil {
		return UpsertResult{}, err
	}
	seen := rec.LastSeenAt
	if seen.IsZero() {
		seen = time.Now()
	}
	first := rec.FirstSeenAt
	if first.IsZero() {
		first = seen
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var res UpsertResult
	err = tx.QueryRowContext(ctx,
		`INSERT INTO news (content_hash, source_id, source_name, message_id, summary, full_text, keywords,
			relevance_score, quality_score, sentiment, urgency, credibility,
			ai_relevance, ai_credibility, market_impact, final_weight, ai_reasoning,
			permalink, media_ref, tags, occurrences, views, forwards, created_at, last_seen_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?)
		 ON CONFLICT (content_hash) DO UPDATE SET
			occurrences = occurrences + 1,
			last_seen_at = excluded.last_seen_at
		 RETURNING id, occurrences`,
		rec.ContentHash, rec.SourceID, rec.SourceName, rec.MessageID, rec.Summary, rec.FullText, keywords,
		rec.Relevance, rec.Quality, string(rec.Sentiment), string(rec.Urgency), rec.Credibility,
		rec.AIRelevance, rec.AICredible, rec.MarketImpact, rec.FinalWeight, rec.AIReasoning,
		rec.Permalink, rec.MediaRef, tags, rec.Views, rec.Forwards, formatTime(first), formatTime(seen),
	).Scan(&res.ID, &res.Occurrences)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("upsert news: %w", err)
	}

	if res.Occurrences > 1 {
		res.Duplicate = true
		_, err := tx.ExecContext(ctx,
			`INSERT INTO news_duplicates (content_hash, news_id, source_id, message_id, similarity, created_at)
			 VALUES (?, ?, ?, ?, 1.0, ?)`,
			rec.ContentHash, res.ID, rec.SourceID, rec.MessageID, formatTime(seen),
		)
		if err != nil {
			return UpsertResult{}, fmt.Errorf("insert duplicate link: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return UpsertResult{}, fmt.Errorf("commit upsert: %w", err)
	}
	rec.ID = res.ID
	rec.Occurrences = res.Occurrences
	return res, nil
}

// GetNewsByHash returns the canonical record for hash.
func (s *SQLite) GetNewsByHash(ctx context.Context, hash string) (*model.NewsRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+newsColumns+` FROM news WHERE content_hash = ?`, hash,
	)
	return scanNews(row)
}

// ListDuplicates returns the duplicate links recorded for hash, oldest first.
func (s *SQLite) ListDuplicates(ctx context.Context, hash string) ([]model.DuplicateLink, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content_hash, news_id, source_id, message_id, similarity, created_at
		 FROM news_duplicates WHERE content_hash = ? ORDER BY id`, hash,
	)
	if err != nil {
		return nil, fmt.Errorf("query duplicates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var links []model.DuplicateLink
	for rows.Next() {
		var l model.DuplicateLink
		var created string
		if err := rows.Scan(&l.ID, &l.ContentHash, &l.NewsID, &l.SourceID, &l.MessageID, &l.Similarity, &created); err != nil {
			return nil, fmt.Errorf("scan duplicate: %w", err)
		}
		l.CreatedAt = parseTime(created)
		links = append(links, l)
	}
	return links, rows.Err()
}

// CountNews returns the number of canonical records.
func (s *SQLite) CountNews(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM news`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count news: %w", err)
	}
	return n, nil
}

const archiveSelect = `INSERT INTO news_archive (content_hash, summary, occurrences, final_weight, sentiment, archived_at, original_created_at)
	SELECT content_hash, summary, occurrences, final_weight, sentiment, ?, created_at FROM news WHERE %s
	ON CONFLICT (content_hash) DO UPDATE SET
		summary = excluded.summary,
		occurrences = news_archive.occurrences + excluded.occurrences,
		final_weight = excluded.final_weight,
		sentiment = excluded.sentiment,
		archived_at = excluded.archived_at`

// ArchiveByHash moves the canonical record for hash into the archive and
// purges it with its duplicate links. A hash archived again after it
// reappeared adds its occurrences to the archived count. Archiving an already archived or
// unknown hash is a no-op.
func (s *SQLite) ArchiveByHash(ctx context.Context, hash string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(archiveSelect, "content_hash = ?"), formatTime(at), hash); err != nil {
		return fmt.Errorf("archive news: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM news_duplicates WHERE content_hash = ?`, hash); err != nil {
		return fmt.Errorf("delete duplicates: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM news WHERE content_hash = ?`, hash); err != nil {
		return fmt.Errorf("delete news: %w", err)
	}
	return tx.Commit()
}

// ArchiveOlderThan archives every canonical record created before cutoff and
// returns how many were moved.
func (s *SQLite) ArchiveOlderThan(ctx context.Context, cutoff, at time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	c := formatTime(cutoff)
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(archiveSelect, "created_at < ?"), formatTime(at), c); err != nil {
		return 0, fmt.Errorf("archive news: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM news_duplicates WHERE news_id IN (SELECT id FROM news WHERE created_at < ?)`, c,
	); err != nil {
		return 0, fmt.Errorf("delete duplicates: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM news WHERE created_at < ?`, c)
	if err != nil {
		return 0, fmt.Errorf("delete news: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit archive: %w", err)
	}
	return int(n), nil
}

// GetArchive returns the archive record for hash.
func (s *SQLite) GetArchive(ctx context.Context, hash string) (*model.ArchiveRecord, error) {
	var a model.ArchiveRecord
	var sentiment, archived, created string
	err := s.db.QueryRowContext(ctx,
		`SELECT content_hash, summary, occurrences, final_weight, sentiment, archived_at, original_created_at
		 FROM news_archive WHERE content_hash = ?`, hash,
	).Scan(&a.ContentHash, &a.Summary, &a.Occurrences, &a.FinalWeight, &sentiment, &archived, &created)
	if err != nil {
		return nil, notFound(err, "archive record")
	}
	a.Sentiment = model.Sentiment(sentiment)
	a.ArchivedAt = parseTime(archived)
	a.OriginalCreatedAt = parseTime(created)
	return &a, nil
}

func scanNews(row scannable) (*model.NewsRecord, error) {
	var r model.NewsRecord
	var fullText sql.NullString
	var keywords, tags, sentiment, urgency, created, seen string
	err := row.Scan(&r.ID, &r.ContentHash, &r.SourceID, &r.SourceName, &r.MessageID, &r.Summary, &fullText, &keywords,
		&r.Relevance, &r.Quality, &sentiment, &urgency, &r.Credibility,
		&r.AIRelevance, &r.AICredible, &r.MarketImpact, &r.FinalWeight, &r.AIReasoning,
		&r.Permalink, &r.MediaRef, &tags, &r.Occurrences, &r.Views, &r.Forwards, &created, &seen)
	if err != nil {
		return nil, notFound(err, "news")
	}
	if fullText.Valid {
		r.FullText = &fullText.String
	}
	if err := decodeJSON(keywords, &r.Keywords); err != nil {
		return nil, err
	}
	if err := decodeJSON(tags, &r.Tags); err != nil {
		return nil, err
	}
	r.Sentiment = model.Sentiment(sentiment)
	r.Urgency = model.Urgency(urgency)
	r.FirstSeenAt = parseTime(created)
	r.LastSeenAt = parseTime(seen)
	return &r, nil
}
