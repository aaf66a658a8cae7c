// Package channels implements the notification destinations alerts are
// delivered to.
package channels

import (
	"container/ring"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/cloudsentry/internal/alerting"
	"github.com/lvonguyen/cloudsentry/internal/distribution"
)

// DashboardConfig configures the dashboard feed.
type DashboardConfig struct {
	Name    string `yaml:"name"`
	History int    `yaml:"history"`

	// AllowedOrigins lists browser origins, besides the serving host, that
	// may open the live feed.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DefaultDashboardConfig returns the default dashboard settings.
func DefaultDashboardConfig() DashboardConfig {
	return DashboardConfig{Name: distribution.ChannelDashboard, History: 500}
}

// FeedMessage is the envelope pushed to websocket subscribers. Type is
// "alert", "backlog" or "delivery_failed".
type FeedMessage struct {
	Type      string                       `json:"type"`
	Alert     *alerting.Alert              `json:"alert,omitempty"`
	Delivery  *distribution.DeliveryRecord `json:"delivery,omitempty"`
	Timestamp time.Time                    `json:"timestamp"`
}

// Dashboard keeps the most recent alerts for the dashboard and pushes each
// delivery to live websocket subscribers.
type Dashboard struct {
	name   string
	size   int
	mu     sync.RWMutex
	recent *ring.Ring
	count  int
	hub    *Hub
}

// NewDashboard creates a dashboard channel.
func NewDashboard(cfg DashboardConfig, logger *zap.Logger) *Dashboard {
	if cfg.Name == "" {
		cfg.Name = distribution.ChannelDashboard
	}
	if cfg.History <= 0 {
		cfg.History = DefaultDashboardConfig().History
	}
	d := &Dashboard{
		name:   cfg.Name,
		size:   cfg.History,
		recent: ring.New(cfg.History),
		hub:    NewHub(logger, cfg.AllowedOrigins...),
	}
	d.hub.onConnect = d.backlog
	return d
}

func (d *Dashboard) Name() string { return d.name }

// Send records the alert and broadcasts it.
func (d *Dashboard) Send(ctx context.Context, a alerting.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := json.Marshal(FeedMessage{Type: "alert", Alert: &a, Timestamp: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encoding feed message: %w", err)
	}

	d.mu.Lock()
	d.recent.Value = a
	d.recent = d.recent.Next()
	if d.count < d.size {
		d.count++
	}
	d.mu.Unlock()

	d.hub.Broadcast(msg)
	return nil
}

// Recent returns up to limit delivered alerts, newest first. A limit of
// zero or less returns everything held.
func (d *Dashboard) Recent(limit int) []alerting.Alert {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if limit <= 0 || limit > d.count {
		limit = d.count
	}
	out := make([]alerting.Alert, 0, limit)
	for r := d.recent.Prev(); len(out) < limit; r = r.Prev() {
		a, ok := r.Value.(alerting.Alert)
		if !ok {
			break
		}
		out = append(out, a)
	}
	return out
}

// NotifyDeliveryFailure tells feed subscribers that a delivery exhausted
// its attempts. It is meant for the distributor's failure hook.
func (d *Dashboard) NotifyDeliveryFailure(rec distribution.DeliveryRecord) {
	msg, err := json.Marshal(FeedMessage{Type: "delivery_failed", Delivery: &rec, Timestamp: time.Now().UTC()})
	if err != nil {
		return
	}
	d.hub.Broadcast(msg)
}

// Hub exposes the websocket feed for mounting on the API router.
func (d *Dashboard) Hub() *Hub { return d.hub }

// Close disconnects all feed subscribers.
func (d *Dashboard) Close() { d.hub.Close() }

// backlog replays held alerts oldest first to a new subscriber.
func (d *Dashboard) backlog() [][]byte {
	alerts := d.Recent(0)
	out := make([][]byte, 0, len(alerts))
	for i := len(alerts) - 1; i >= 0; i-- {
		msg, err := json.Marshal(FeedMessage{Type: "backlog", Alert: &alerts[i], Timestamp: time.Now().UTC()})
		if err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out
}
