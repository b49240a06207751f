// Package model defines the domain types used across the application.
package model

import (
	"errors"
	"strings"
	"time"
)

// Origin identifies the kind of upstream source an envelope came from.
type Origin string

// Supported origins.
const (
	OriginTelegram Origin = "telegram"
	OriginRSS      Origin = "rss"
)

// StreamEvent is one inbound event received by a lane from the messaging platform.
type StreamEvent struct {
	ID        int64
	ChatID    int64
	ChatTitle string
	Text      string
	Date      time.Time
	SenderID  int64
	IsPrivate bool
	IsSelf    bool
	PhotoRef  string
}

// RawEnvelope is the normalized message handed from ingestion to filtering
// through the raw queue.
type RawEnvelope struct {
	Origin      Origin    `json:"origin,omitempty"`
	SourceID    int64     `json:"source_id"`
	SourceTitle string    `json:"source_title"`
	MessageID   int64     `json:"message_id"`
	Text        string    `json:"text"`
	Timestamp   time.Time `json:"timestamp"`
	SenderID    int64     `json:"sender_id"`
	Permalink   string    `json:"permalink,omitempty"`
	MediaRef    string    `json:"media_ref,omitempty"`
	Tags        []string  `json:"tags"`
	Priority    int       `json:"priority"`
}

// Validate rejects envelopes that cannot be filtered.
func (e RawEnvelope) Validate() error {
	if e.SourceID == 0 {
		return errors.New("missing source_id")
	}
	if strings.TrimSpace(e.Text) == "" {
		return errors.New("empty text")
	}
	return nil
}

// Default source enrichment.
const (
	TagNormal       = "NORMAL"
	DefaultPriority = 1
)

// SourceConfig holds per-source enrichment applied by the listener.
type SourceConfig struct {
	ChatID    int64
	Name      string
	Tag       string
	Priority  int
	CreatedAt time.Time
}

// Feed represents an RSS feed polled as an auxiliary ingestion source.
type Feed struct {
	ID              int64
	Name            string
	URL             string
	Tag             string
	Priority        int
	IntervalMinutes int
	IsActive        bool
	LastCheckAt     *time.Time
	CreatedAt       time.Time
}

// Plan is the billing plan of a user.
type Plan string

// Supported plans.
const (
	PlanFree     Plan = "FREE"
	PlanVIP      Plan = "VIP"
	PlanBusiness Plan = "BUSINESS"
)

// User is a notification recipient.
type User struct {
	ID            int64
	Username      string
	Plan          Plan
	PlanExpiresAt *time.Time
	QuietStart    string
	QuietEnd      string
	Timezone      string
	CreatedAt     time.Time
}

// Privileged reports whether the user is exempt from the daily quota at t.
func (u User) Privileged(t time.Time) bool {
	if u.Plan != PlanVIP && u.Plan != PlanBusiness {
		return false
	}
	return u.PlanExpiresAt != nil && u.PlanExpiresAt.After(t)
}

// UserRule is a per-user keyword subscription.
type UserRule struct {
	ID          int64
	UserID      int64
	MustHave    []string
	MustNotHave []string
	SourceIDs   []int64
	IsActive    bool
	UpdatedAt   time.Time
}

// Notification is pushed to the notification queue for delivery.
type Notification struct {
	ID         string      `json:"id"`
	UserID     int64       `json:"user_id"`
	Message    RawEnvelope `json:"message"`
	MatchedBy  string      `json:"matched_rule_or_template"`
	Text       string      `json:"text,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
	AIAnalysis string      `json:"ai_analysis,omitempty"`
}

// Validate rejects notifications without a recipient.
func (n Notification) Validate() error {
	if n.UserID == 0 {
		return errors.New("missing user_id")
	}
	return nil
}

// ReportTemplate defines an aggregated report cadence over tagged messages.
type ReportTemplate struct {
	Code            string
	Name            string
	RequiredTags    []string
	IntervalMinutes int
}

// ReportSubscription links a user to a report template.
type ReportSubscription struct {
	UserID       int64
	TemplateCode string
	CreatedAt    time.Time
	LastSentAt   *time.Time
}
