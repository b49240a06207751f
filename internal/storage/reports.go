package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"news_sniper/internal/model"
)

// UpsertTemplate creates or replaces a report template.
func (s *SQLite) UpsertTemplate(ctx context.Context, t *model.ReportTemplate) error {
	tags, err := encodeJSON(nonNil(t.RequiredTags))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO report_templates (code, name, required_tags, interval_minutes) VALUES (?, ?, ?, ?)
		 ON CONFLICT (code) DO UPDATE SET
			name = excluded.name,
			required_tags = excluded.required_tags,
			interval_minutes = excluded.interval_minutes`,
		t.Code, t.Name, tags, t.IntervalMinutes,
	)
	if err != nil {
		return fmt.Errorf("upsert template: %w", err)
	}
	return nil
}

// ListTemplates returns all report templates ordered by code.
func (s *SQLite) ListTemplates(ctx context.Context) ([]model.ReportTemplate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT code, name, required_tags, interval_minutes FROM report_templates ORDER BY code`,
	)
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.ReportTemplate
	for rows.Next() {
		var t model.ReportTemplate
		var tags string
		if err := rows.Scan(&t.Code, &t.Name, &tags, &t.IntervalMinutes); err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		if err := decodeJSON(tags, &t.RequiredTags); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Subscribe links a user to a report template. Subscribing twice is a no-op.
func (s *SQLite) Subscribe(ctx context.Context, userID int64, code string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO report_subscriptions (user_id, template_code, created_at) VALUES (?, ?, ?)`,
		userID, code, time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

// Unsubscribe removes a user's subscription to a template.
func (s *SQLite) Unsubscribe(ctx context.Context, userID int64, code string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM report_subscriptions WHERE user_id = ? AND template_code = ?`, userID, code,
	)
	if err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	return nil
}

// ListSubscriptions returns every subscription ordered by template and user.
func (s *SQLite) ListSubscriptions(ctx context.Context) ([]model.ReportSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, template_code, created_at, last_sent_at
		 FROM report_subscriptions ORDER BY template_code, user_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.ReportSubscription
	for rows.Next() {
		var sub model.ReportSubscription
		var created string
		var lastSent sql.NullString
		if err := rows.Scan(&sub.UserID, &sub.TemplateCode, &created, &lastSent); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		sub.CreatedAt = parseTime(created)
		sub.LastSentAt = parseNullTime(lastSent)
		out = append(out, sub)
	}
	return out, rows.Err()
}

// MarkReportsSent advances last_sent_at for every listed subscriber of code
// in one transaction, so either all of them move or none does.
func (s *SQLite) MarkReportsSent(ctx context.Context, code string, userIDs []int64, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`UPDATE report_subscriptions SET last_sent_at = ? WHERE user_id = ? AND template_code = ?`,
	)
	if err != nil {
		return fmt.Errorf("prepare mark sent: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	sent := formatTime(at)
	for _, id := range userIDs {
		if _, err := stmt.ExecContext(ctx, sent, id, code); err != nil {
			return fmt.Errorf("mark sent for user %d: %w", id, err)
		}
	}
	return tx.Commit()
}
