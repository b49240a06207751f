// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"news_sniper/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// UpsertResult describes the outcome of UpsertNews.
type UpsertResult struct {
	ID          int64
	Occurrences int
	// Duplicate is true when the hash already had a canonical record.
	Duplicate bool
}

// Storage is the interface for all persistence operations.
type Storage interface {
	UpsertNews(ctx context.Context, rec *model.NewsRecord) (UpsertResult, error)
	GetNewsByHash(ctx context.Context, hash string) (*model.NewsRecord, error)
	ListDuplicates(ctx context.Context, hash string) ([]model.DuplicateLink, error)
	CountNews(ctx context.Context) (int, error)
	ArchiveByHash(ctx context.Context, hash string, at time.Time) error
	ArchiveOlderThan(ctx context.Context, cutoff, at time.Time) (int, error)
	GetArchive(ctx context.Context, hash string) (*model.ArchiveRecord, error)

	UpsertUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id int64) (*model.User, error)
	CreateRule(ctx context.Context, r *model.UserRule) error
	UpdateRule(ctx context.Context, r *model.UserRule) error
	DeleteRule(ctx context.Context, id int64) error
	ListActiveRules(ctx context.Context) ([]model.UserRule, error)

	UpsertSourceConfig(ctx context.Context, c *model.SourceConfig) error
	GetSourceConfig(ctx context.Context, chatID int64) (*model.SourceConfig, error)
	BlacklistSource(ctx context.Context, chatID int64, reason string) error
	UnblacklistSource(ctx context.Context, chatID int64) error
	IsBlacklisted(ctx context.Context, chatID int64) (bool, error)

	CreateFeed(ctx context.Context, feed *model.Feed) error
	GetFeed(ctx context.Context, id int64) (*model.Feed, error)
	ListFeeds(ctx context.Context) ([]model.Feed, error)
	ListDueFeeds(ctx context.Context, now time.Time) ([]model.Feed, error)
	UpdateFeed(ctx context.Context, feed *model.Feed) error
	DeleteFeed(ctx context.Context, id int64) error
	MarkSeen(ctx context.Context, feedID int64, guid string) error
	IsSeen(ctx context.Context, feedID int64, guid string) (bool, error)

	UpsertTemplate(ctx context.Context, t *model.ReportTemplate) error
	ListTemplates(ctx context.Context) ([]model.ReportTemplate, error)
	Subscribe(ctx context.Context, userID int64, code string) error
	Unsubscribe(ctx context.Context, userID int64, code string) error
	ListSubscriptions(ctx context.Context) ([]model.ReportSubscription, error)
	MarkReportsSent(ctx context.Context, code string, userIDs []int64, at time.Time) error

	Close() error
}
