// Package storage persists alert state in SQLite so the alert engine can
// be rebuilt after a restart and evicted alerts stay in statistics.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/lvonguyen/cloudsentry/internal/alerting"
	"github.com/lvonguyen/cloudsentry/internal/telemetry"
)

const schema = `
CREATE TABLE IF NOT EXISTS alerts (
	id            TEXT PRIMARY KEY,
	fingerprint   TEXT NOT NULL,
	severity      TEXT NOT NULL,
	state         TEXT NOT NULL,
	source        TEXT NOT NULL,
	event_type    TEXT NOT NULL,
	principal     TEXT NOT NULL DEFAULT '',
	source_ip     TEXT NOT NULL DEFAULT '',
	first_seen    INTEGER NOT NULL,
	last_seen     INTEGER NOT NULL,
	occurrences   INTEGER NOT NULL,
	probability   REAL NOT NULL DEFAULT 0,
	confidence    REAL NOT NULL DEFAULT 0,
	model_version TEXT NOT NULL DEFAULT '',
	payload       TEXT NOT NULL DEFAULT '{}',
	evicted       INTEGER NOT NULL DEFAULT 0,
	evicted_at    INTEGER
);
CREATE INDEX IF NOT EXISTS idx_alerts_fingerprint ON alerts(fingerprint);
CREATE INDEX IF NOT EXISTS idx_alerts_evicted_last_seen ON alerts(evicted, last_seen);
`

// SQLite stores alerts in a single database file. One connection is kept
// open so writes are serialized by database/sql.
type SQLite struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
}

// Open creates or opens the database at path. ":memory:" is accepted for
// tests.
func Open(path string, logger *zap.Logger) (*SQLite, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info("Alert store opened", zap.String("path", path))
	return &SQLite{db: db, path: path, logger: logger}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveAlert upserts the current state of an alert.
func (s *SQLite) SaveAlert(ctx context.Context, a alerting.Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encoding alert %s: %w", a.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, fingerprint, severity, state, source, event_type, principal, source_ip,
			first_seen, last_seen, occurrences, probability, confidence, model_version, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			severity = excluded.severity,
			state = excluded.state,
			last_seen = excluded.last_seen,
			occurrences = excluded.occurrences,
			probability = excluded.probability,
			confidence = excluded.confidence,
			model_version = excluded.model_version,
			payload = excluded.payload`,
		a.ID, a.Fingerprint, a.Severity.String(), string(a.State), string(a.Source), string(a.EventType),
		a.Principal, a.SourceIP, a.FirstSeen.UnixNano(), a.LastSeen.UnixNano(), a.Occurrences,
		a.Result.Probability, a.Result.Confidence, a.Result.ModelVersion, string(payload),
	)
	if err != nil {
		return fmt.Errorf("saving alert %s: %w", a.ID, err)
	}
	return nil
}

// MarkEvicted flags an alert as no longer held in memory.
func (s *SQLite) MarkEvicted(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET evicted = 1, evicted_at = ? WHERE id = ?`, at.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("marking alert %s evicted: %w", id, err)
	}
	return nil
}

// LoadActive returns every alert that has not been evicted. Columns are
// authoritative; the JSON payload supplies the triggering event and
// annotations when it can be decoded.
func (s *SQLite) LoadActive(ctx context.Context) ([]alerting.Alert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, fingerprint, severity, state, source, event_type, principal, source_ip,
			first_seen, last_seen, occurrences, probability, confidence, model_version, payload
		FROM alerts WHERE evicted = 0 ORDER BY last_seen`)
	if err != nil {
		return nil, fmt.Errorf("loading active alerts: %w", err)
	}
	defer rows.Close()

	var out []alerting.Alert
	for rows.Next() {
		var (
			a                   alerting.Alert
			severity, state     string
			source, eventType   string
			firstSeen, lastSeen int64
			payload             string
		)
		if err := rows.Scan(&a.ID, &a.Fingerprint, &severity, &state, &source, &eventType,
			&a.Principal, &a.SourceIP, &firstSeen, &lastSeen, &a.Occurrences,
			&a.Result.Probability, &a.Result.Confidence, &a.Result.ModelVersion, &payload); err != nil {
			return nil, fmt.Errorf("scanning alert: %w", err)
		}

		var full alerting.Alert
		if err := json.Unmarshal([]byte(payload), &full); err != nil {
			s.logger.Warn("Alert payload unreadable, restoring from columns",
				zap.String("alert_id", a.ID),
				zap.Error(err),
			)
		} else {
			a.Event = full.Event
			a.Description = full.Description
			a.Techniques = full.Techniques
			a.Actions = full.Actions
			a.AckedAt = full.AckedAt
			a.ResolvedAt = full.ResolvedAt
			a.Labels = full.Labels
			a.Result.ScoredAt = full.Result.ScoredAt
			a.UpdatedAt = full.UpdatedAt
		}

		sev, err := alerting.ParseSeverity(severity)
		if err != nil {
			return nil, fmt.Errorf("alert %s: %w", a.ID, err)
		}
		a.Severity = sev
		a.State = alerting.State(state)
		a.Source = telemetry.Source(source)
		a.EventType = telemetry.EventType(eventType)
		a.FirstSeen = time.Unix(0, firstSeen).UTC()
		a.LastSeen = time.Unix(0, lastSeen).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

// HistoricalStats summarizes evicted alerts last seen at or after since.
func (s *SQLite) HistoricalStats(ctx context.Context, since time.Time) (alerting.Stats, error) {
	stats := alerting.NewStats()

	var cutoff int64
	if !since.IsZero() {
		cutoff = since.UnixNano()
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT severity, source, state, COUNT(*), SUM(occurrences)
		FROM alerts WHERE evicted = 1 AND last_seen >= ?
		GROUP BY severity, source, state`, cutoff)
	if err != nil {
		return stats, fmt.Errorf("querying historical stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			severity, source, state string
			count, occurrences      int
		)
		if err := rows.Scan(&severity, &source, &state, &count, &occurrences); err != nil {
			return stats, fmt.Errorf("scanning stats: %w", err)
		}
		sev, err := alerting.ParseSeverity(severity)
		if err != nil {
			return stats, err
		}
		stats.Total += count
		stats.Occurrences += occurrences
		stats.BySeverity[sev] += count
		stats.BySource[source] += count
		stats.ByState[alerting.State(state)] += count
	}
	return stats, rows.Err()
}

// Prune deletes evicted alerts last seen before cutoff.
func (s *SQLite) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM alerts WHERE evicted = 1 AND last_seen < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("pruning alerts: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("Pruned alert history", zap.Int64("rows", n))
	}
	return n, nil
}

// RunPruning deletes evicted alerts older than history every interval
// until ctx is done.
func (s *SQLite) RunPruning(ctx context.Context, interval, history time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Prune(ctx, time.Now().Add(-history)); err != nil {
				s.logger.Warn("Alert history pruning failed", zap.Error(err))
			}
		}
	}
}
