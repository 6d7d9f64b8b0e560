package store

import (
	"database/sql"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
)

const instrumentationName = "github.com/fyrsmithlabs/patternd/internal/store"

const schema = `
CREATE TABLE IF NOT EXISTS learned_patterns (
	pattern_id        TEXT PRIMARY KEY,
	discovery_id      TEXT NOT NULL UNIQUE,
	domain            TEXT NOT NULL,
	signature         TEXT NOT NULL,
	signature_hash    TEXT NOT NULL,
	version           INTEGER NOT NULL,
	status            TEXT NOT NULL,
	is_current        INTEGER NOT NULL DEFAULT 0,
	confidence        REAL NOT NULL,
	evidence_count    INTEGER NOT NULL,
	status_changed_at TEXT NOT NULL,
	created_at        TEXT NOT NULL,
	UNIQUE (domain, signature_hash, version)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_lineage_current
	ON learned_patterns (domain, signature_hash) WHERE is_current = 1;

CREATE TABLE IF NOT EXISTS transition_audit (
	transition_id   TEXT PRIMARY KEY,
	request_id      TEXT NOT NULL UNIQUE,
	pattern_id      TEXT NOT NULL,
	from_status     TEXT NOT NULL,
	to_status       TEXT NOT NULL,
	trigger_type    TEXT NOT NULL,
	actor           TEXT NOT NULL,
	reason          TEXT,
	gate_snapshot   TEXT,
	applied_at      TEXT,
	transitioned_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS usage_outcomes (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	pattern_id  TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	session_id  TEXT,
	recorded_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_outcomes_pattern
	ON usage_outcomes (pattern_id, id DESC);

CREATE TABLE IF NOT EXISTS manual_disables (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	pattern_id TEXT NOT NULL,
	actor      TEXT NOT NULL,
	reason     TEXT,
	active     INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_disables_pattern
	ON manual_disables (pattern_id, active);
`

// Config configures the store.
type Config struct {
	// Path is the SQLite database path. ":memory:" is accepted for tests.
	Path string

	// MinConfidence is the governance floor: candidates below it are
	// rejected before any write (default 0.5).
	MinConfidence float64
}

// DefaultConfig returns store defaults.
func DefaultConfig() Config {
	return Config{
		Path:          "patternd.db",
		MinConfidence: 0.5,
	}
}

// Store is the SQLite-backed pattern store.
type Store struct {
	db     *sql.DB
	config Config
	logger *zap.Logger

	tracer        trace.Tracer
	meter         metric.Meter
	storeCounter  metric.Int64Counter
	applyCounter  metric.Int64Counter
	replayCounter metric.Int64Counter
}

// Open opens the database, applies pragmas, and runs migrations. A nil
// logger falls back to a no-op logger.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = DefaultConfig().MinConfidence
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, &pattern.TransientError{Op: "open database", Err: err}
	}
	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent gate scans.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s := &Store{
		db:     db,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	s.initMetrics()

	logger.Info("pattern store opened",
		zap.String("path", cfg.Path),
		zap.Float64("min_confidence", cfg.MinConfidence),
	)
	return s, nil
}

// initMetrics initializes OpenTelemetry counters.
func (s *Store) initMetrics() {
	var err error

	s.storeCounter, err = s.meter.Int64Counter(
		"patternd.store.patterns_stored_total",
		metric.WithDescription("Total pattern versions inserted"),
		metric.WithUnit("{pattern}"),
	)
	if err != nil {
		s.logger.Warn("failed to create store counter", zap.Error(err))
	}

	s.applyCounter, err = s.meter.Int64Counter(
		"patternd.store.status_applies_total",
		metric.WithDescription("Total status changes applied"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		s.logger.Warn("failed to create apply counter", zap.Error(err))
	}

	s.replayCounter, err = s.meter.Int64Counter(
		"patternd.store.discovery_replays_total",
		metric.WithDescription("Total idempotent discovery replays"),
		metric.WithUnit("{replay}"),
	)
	if err != nil {
		s.logger.Warn("failed to create replay counter", zap.Error(err))
	}
}

// metricAttr builds a single-attribute option for counter adds.
func metricAttr(key, value string) metric.AddOption {
	return metric.WithAttributes(attribute.String(key, value))
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for maintenance commands.
func (s *Store) DB() *sql.DB {
	return s.db
}
