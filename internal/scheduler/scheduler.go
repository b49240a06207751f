// Package scheduler buffers accepted messages by tag and periodically turns
// them into template reports for subscribed users.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"news_sniper/internal/aiclient"
	"news_sniper/internal/model"
)

// Store is the persistence the scheduler needs.
type Store interface {
	ListTemplates(ctx context.Context) ([]model.ReportTemplate, error)
	ListSubscriptions(ctx context.Context) ([]model.ReportSubscription, error)
	MarkReportsSent(ctx context.Context, code string, userIDs []int64, at time.Time) error
}

// Reporter summarizes buffered messages.
type Reporter interface {
	Report(ctx context.Context, req aiclient.ReportRequest) (string, error)
}

// Publisher delivers notifications to the notification queue.
type Publisher interface {
	Push(ctx context.Context, n model.Notification) error
}

// Scheduler periodically generates template reports for due subscriptions.
type Scheduler struct {
	store       Store
	buffer      *Buffer
	reporter    Reporter
	pub         Publisher
	minMessages int
	tick        time.Duration
	now         func() time.Time
	log         *slog.Logger
}

// New creates a Scheduler. A nil reporter sends plain digests.
func New(store Store, buffer *Buffer, reporter Reporter, pub Publisher, minMessages int, log *slog.Logger) *Scheduler {
	return &Scheduler{
		store:       store,
		buffer:      buffer,
		reporter:    reporter,
		pub:         pub,
		minMessages: minMessages,
		tick:        1 * time.Minute,
		now:         time.Now,
		log:         log,
	}
}

// SetTickInterval overrides the default 1-minute check interval.
func (s *Scheduler) SetTickInterval(d time.Duration) {
	s.tick = d
}

// Run starts the scheduler loop, blocking until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.runTick(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runTick(ctx)
		}
	}
}

func (s *Scheduler) runTick(ctx context.Context) {
	if err := s.Tick(ctx); err != nil {
		s.log.Error("report tick", "error", err)
	}
}

// Tick generates one report per template that has due subscribers. All due
// subscribers of a template share the same report and advance together.
func (s *Scheduler) Tick(ctx context.Context) error {
	templates, err := s.store.ListTemplates(ctx)
	if err != nil {
		return fmt.Errorf("list templates: %w", err)
	}
	subs, err := s.store.ListSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}

	now := s.now().UTC()
	byCode := make(map[string]model.ReportTemplate, len(templates))
	for _, t := range templates {
		byCode[t.Code] = t
	}

	due := make(map[string][]int64)
	for _, sub := range subs {
		tpl, ok := byCode[sub.TemplateCode]
		if !ok || tpl.IntervalMinutes <= 0 {
			continue
		}
		if !now.Before(nextDue(sub, tpl)) {
			due[sub.TemplateCode] = append(due[sub.TemplateCode], sub.UserID)
		}
	}

	codes := make([]string, 0, len(due))
	for code := range due {
		codes = append(codes, code)
	}
	slices.Sort(codes)

	for _, code := range codes {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.processTemplate(ctx, byCode[code], due[code], now)
	}
	return nil
}

func nextDue(sub model.ReportSubscription, tpl model.ReportTemplate) time.Time {
	last := sub.CreatedAt
	if sub.LastSentAt != nil {
		last = *sub.LastSentAt
	}
	return last.Add(time.Duration(tpl.IntervalMinutes) * time.Minute)
}

func (s *Scheduler) processTemplate(ctx context.Context, tpl model.ReportTemplate, userIDs []int64, now time.Time) {
	log := s.log.With("template", tpl.Code, "subscribers", len(userIDs))

	window := now.Add(-time.Duration(tpl.IntervalMinutes) * time.Minute)
	msgs, err := s.buffer.Since(ctx, tpl.RequiredTags, window)
	if err != nil {
		log.Error("read buffer", "error", err)
		return
	}
	if len(msgs) < s.minMessages {
		log.Debug("not enough buffered messages", "count", len(msgs), "min", s.minMessages)
		return
	}

	text := s.report(ctx, tpl, msgs)

	for _, id := range userIDs {
		n := model.Notification{
			ID:     uuid.NewString(),
			UserID: id,
			Message: model.RawEnvelope{
				SourceTitle: tpl.Name,
				Text:        text,
				Timestamp:   now,
				Tags:        tpl.RequiredTags,
			},
			MatchedBy: "template:" + tpl.Code,
			Text:      text,
			Timestamp: now,
		}
		if err := s.pub.Push(ctx, n); err != nil {
			log.Error("push report, cadence not advanced", "user_id", id, "error", err)
			return
		}
	}

	if err := s.store.MarkReportsSent(ctx, tpl.Code, userIDs, now); err != nil {
		log.Error("mark reports sent", "error", err)
		return
	}
	log.Info("report sent", "messages", len(msgs))
}

func (s *Scheduler) report(ctx context.Context, tpl model.ReportTemplate, msgs []model.RawEnvelope) string {
	if s.reporter != nil {
		req := aiclient.ReportRequest{TemplateCode: tpl.Code, TemplateName: tpl.Name}
		for _, m := range msgs {
			req.Messages = append(req.Messages, aiclient.ReportItem{Source: m.SourceTitle, Text: m.Text, Timestamp: m.Timestamp})
		}
		text, err := s.reporter.Report(ctx, req)
		if err == nil {
			return text
		}
		s.log.Warn("reporter failed, sending digest", "template", tpl.Code, "error", err)
	}
	return Digest(tpl, msgs, 10)
}

// Digest renders a plain list of the latest limit messages.
func Digest(tpl model.ReportTemplate, msgs []model.RawEnvelope, limit int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d messages\n", tpl.Name, len(msgs))
	start := max(len(msgs)-limit, 0)
	for _, m := range msgs[start:] {
		line := strings.Join(strings.Fields(m.Text), " ")
		if r := []rune(line); len(r) > 140 {
			line = string(r[:140]) + "…"
		}
		if m.SourceTitle != "" {
			fmt.Fprintf(&b, "\n• [%s] %s", m.SourceTitle, line)
		} else {
			fmt.Fprintf(&b, "\n• %s", line)
		}
	}
	return b.String()
}
