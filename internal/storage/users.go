package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"news_sniper/internal/model"
)

// UpsertUser creates or updates a user. CreatedAt is set on first insert.
func (s *SQLite) UpsertUser(ctx context.Context, u *model.User) error {
	if u.Plan == "" {
		u.Plan = model.PlanFree
	}
	if u.Timezone == "" {
		u.Timezone = "UTC"
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, plan, plan_expires_at, quiet_start, quiet_end, timezone, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			username = excluded.username,
			plan = excluded.plan,
			plan_expires_at = excluded.plan_expires_at,
			quiet_start = excluded.quiet_start,
			quiet_end = excluded.quiet_end,
			timezone = excluded.timezone`,
		u.ID, u.Username, string(u.Plan), formatTimePtr(u.PlanExpiresAt), u.QuietStart, u.QuietEnd, u.Timezone, formatTime(u.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// GetUser returns a user by ID.
func (s *SQLite) GetUser(ctx context.Context, id int64) (*model.User, error) {
	var u model.User
	var plan, created string
	var expires sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, plan, plan_expires_at, quiet_start, quiet_end, timezone, created_at
		 FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Username, &plan, &expires, &u.QuietStart, &u.QuietEnd, &u.Timezone, &created)
	if err != nil {
		return nil, notFound(err, "user")
	}
	u.Plan = model.Plan(plan)
	u.PlanExpiresAt = parseNullTime(expires)
	u.CreatedAt = parseTime(created)
	return &u, nil
}

// CreateRule inserts a new rule and populates its ID and UpdatedAt.
func (s *SQLite) CreateRule(ctx context.Context, r *model.UserRule) error {
	mustHave, mustNot, sources, err := encodeRule(r)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO user_rules (user_id, must_have, must_not_have, source_ids, is_active, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.UserID, mustHave, mustNot, sources, boolToInt(r.IsActive), now,
	)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	r.ID = id
	r.UpdatedAt = parseTime(now)
	return nil
}

// UpdateRule persists changes to an existing rule and bumps UpdatedAt.
func (s *SQLite) UpdateRule(ctx context.Context, r *model.UserRule) error {
	mustHave, mustNot, sources, err := encodeRule(r)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`UPDATE user_rules SET must_have = ?, must_not_have = ?, source_ids = ?, is_active = ?, updated_at = ?
		 WHERE id = ?`,
		mustHave, mustNot, sources, boolToInt(r.IsActive), now, r.ID,
	)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update rule %d: %w", r.ID, ErrNotFound)
	}
	r.UpdatedAt = parseTime(now)
	return nil
}

// DeleteRule removes a rule by its ID.
func (s *SQLite) DeleteRule(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM user_rules WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	return nil
}

// ListActiveRules returns every active rule ordered by ID.
func (s *SQLite) ListActiveRules(ctx context.Context) ([]model.UserRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, must_have, must_not_have, source_ids, is_active, updated_at
		 FROM user_rules WHERE is_active = 1 ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rules []model.UserRule
	for rows.Next() {
		var r model.UserRule
		var mustHave, mustNot, sources, updated string
		var active int
		if err := rows.Scan(&r.ID, &r.UserID, &mustHave, &mustNot, &sources, &active, &updated); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		if err := decodeJSON(mustHave, &r.MustHave); err != nil {
			return nil, err
		}
		if err := decodeJSON(mustNot, &r.MustNotHave); err != nil {
			return nil, err
		}
		if err := decodeJSON(sources, &r.SourceIDs); err != nil {
			return nil, err
		}
		r.IsActive = active == 1
		r.UpdatedAt = parseTime(updated)
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func encodeRule(r *model.UserRule) (mustHave, mustNot, sources string, err error) {
	if mustHave, err = encodeJSON(nonNil(r.MustHave)); err != nil {
		return
	}
	if mustNot, err = encodeJSON(nonNil(r.MustNotHave)); err != nil {
		return
	}
	if r.SourceIDs == nil {
		sources = "[]"
		return
	}
	sources, err = encodeJSON(r.SourceIDs)
	return
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// UpsertSourceConfig creates or replaces the enrichment config of a source.
func (s *SQLite) UpsertSourceConfig(ctx context.Context, c *model.SourceConfig) error {
	if c.Tag == "" {
		c.Tag = model.TagNormal
	}
	if c.Priority == 0 {
		c.Priority = model.DefaultPriority
	}
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO source_configs (chat_id, name, tag, priority, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (chat_id) DO UPDATE SET name = excluded.name, tag = excluded.tag, priority = excluded.priority`,
		c.ChatID, c.Name, c.Tag, c.Priority, now,
	)
	if err != nil {
		return fmt.Errorf("upsert source config: %w", err)
	}
	return nil
}

// GetSourceConfig returns the enrichment config of a source.
func (s *SQLite) GetSourceConfig(ctx context.Context, chatID int64) (*model.SourceConfig, error) {
	var c model.SourceConfig
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT chat_id, name, tag, priority, created_at FROM source_configs WHERE chat_id = ?`, chatID,
	).Scan(&c.ChatID, &c.Name, &c.Tag, &c.Priority, &created)
	if err != nil {
		return nil, notFound(err, "source config")
	}
	c.CreatedAt = parseTime(created)
	return &c, nil
}

// BlacklistSource excludes a source from ingestion.
func (s *SQLite) BlacklistSource(ctx context.Context, chatID int64, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO source_blacklist (chat_id, reason, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (chat_id) DO UPDATE SET reason = excluded.reason`,
		chatID, reason, time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("blacklist source: %w", err)
	}
	return nil
}

// UnblacklistSource removes a source from the blacklist.
func (s *SQLite) UnblacklistSource(ctx context.Context, chatID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM source_blacklist WHERE chat_id = ?`, chatID); err != nil {
		return fmt.Errorf("unblacklist source: %w", err)
	}
	return nil
}

// IsBlacklisted reports whether a source is blacklisted.
func (s *SQLite) IsBlacklisted(ctx context.Context, chatID int64) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM source_blacklist WHERE chat_id = ?`, chatID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check blacklist: %w", err)
	}
	return count > 0, nil
}
