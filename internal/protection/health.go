package protection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// HealthStatus is the outcome of an account health check.
type HealthStatus string

// Health statuses. Only StatusDanger stops a lane.
const (
	StatusHealthy HealthStatus = "healthy"
	StatusWarning HealthStatus = "warning"
	StatusDanger  HealthStatus = "danger"
)

// ErrUnauthorized marks a probe failure caused by revoked or invalid credentials.
var ErrUnauthorized = errors.New("credentials rejected")

// Prober checks that the lane's account is reachable and authorized.
type Prober interface {
	Probe(ctx context.Context) error
}

// HealthReport is the result of CheckHealth.
type HealthReport struct {
	Status    HealthStatus `json:"status"`
	Issues    []string     `json:"issues"`
	CheckedAt time.Time    `json:"checked_at"`
}

const healthTTL = 24 * time.Hour

// HealthMonitor probes one lane's account.
type HealthMonitor struct {
	rdb      *redis.Client
	lane     string
	prober   Prober
	flood    *FloodHandler
	sessions *sessionStore
	now      func() time.Time
	log      *slog.Logger
}

// CheckHealth probes the account and classifies the result. Rejected
// credentials are StatusDanger; any other issue is StatusWarning.
func (h *HealthMonitor) CheckHealth(ctx context.Context) HealthReport {
	report := HealthReport{Status: StatusHealthy, Issues: []string{}, CheckedAt: h.now().UTC()}

	if err := h.prober.Probe(ctx); err != nil {
		if errors.Is(err, ErrUnauthorized) {
			report.Status = StatusDanger
			report.Issues = append(report.Issues, "unauthorized: "+err.Error())
			h.log.Error("account health: danger", "lane", h.lane, "error", err)
			h.persist(ctx, report)
			return report
		}
		report.Issues = append(report.Issues, "probe failed: "+err.Error())
	}

	if waiting, remaining, err := h.flood.IsUnderFloodWait(ctx); err != nil {
		report.Issues = append(report.Issues, "flood state unavailable: "+err.Error())
	} else if waiting {
		report.Issues = append(report.Issues, fmt.Sprintf("under flood wait for %s", remaining.Round(time.Second)))
	}

	if len(report.Issues) > 0 {
		report.Status = StatusWarning
		h.log.Warn("account health: warning", "lane", h.lane, "issues", report.Issues)
	} else {
		h.log.Info("account health: healthy", "lane", h.lane)
	}
	h.persist(ctx, report)
	return report
}

func (h *HealthMonitor) persist(ctx context.Context, report HealthReport) {
	data, err := json.Marshal(report)
	if err != nil {
		h.log.Error("encode health report", "lane", h.lane, "error", err)
		return
	}
	if err := h.rdb.Set(ctx, "health:"+h.lane, data, healthTTL).Err(); err != nil {
		h.log.Error("store health report", "lane", h.lane, "error", err)
	}

	_, err = h.sessions.update(ctx, h.now(), func(sess *Session) {
		sess.HealthStatus = report.Status
	})
	if err != nil {
		h.log.Error("save session health", "lane", h.lane, "error", err)
	}
}
