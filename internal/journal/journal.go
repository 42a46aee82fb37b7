package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"tickstream/internal/metrics"
	"tickstream/pkg/interfaces"
	"tickstream/pkg/types"
)

// Connection lifecycle event names
const (
	EventOpened = "opened"
	EventClosed = "closed"
)

// ConnectionEvent is one stored lifecycle row
type ConnectionEvent struct {
	ID               int64     `json:"id"`
	ConnectionID     string    `json:"connection_id"`
	Event            string    `json:"event"`
	RemoteAddr       string    `json:"remote_addr"`
	UserAgent        string    `json:"user_agent"`
	Subject          string    `json:"subject,omitempty"`
	MessagesSent     int64     `json:"messages_sent"`
	MessagesReceived int64     `json:"messages_received"`
	Topics           []string  `json:"topics"`
	OccurredAt       time.Time `json:"occurred_at"`
}

// Journal stores connection lifecycle events and metrics snapshots in SQLite.
// All writes go through a single writer goroutine; the fan-out path only
// enqueues and never waits on storage.
type Journal struct {
	db           *sql.DB
	cfg          Config
	logger       zerolog.Logger
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex

	dropped atomic.Int64
	failed  atomic.Int64
}

var (
	_ interfaces.Journal = (*Journal)(nil)
	_ metrics.Sink       = (*Journal)(nil)
)

// writeOperation is one queued write; result is nil for fire-and-forget writes
type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// Open creates or opens the journal database and applies migrations
func Open(cfg Config, logger zerolog.Logger) (*Journal, error) {
	defaults := DefaultConfig()
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaults.MaxConnections
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = defaults.ConnMaxLifetime
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid journal config: %w", err)
	}

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := applySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	j := &Journal{
		db:           db,
		cfg:          cfg,
		logger:       logger.With().Str("component", "journal").Logger(),
		writeChannel: make(chan writeOperation, cfg.QueueSize),
		shutdown:     make(chan struct{}),
	}
	j.wg.Add(1)
	go j.writeLoop()

	j.logger.Info().Str("path", cfg.Path).Msg("Journal opened")
	return j, nil
}

// writeLoop is the only goroutine that writes to the database
func (j *Journal) writeLoop() {
	defer j.wg.Done()

	for {
		select {
		case op := <-j.writeChannel:
			j.run(op)
		case <-j.shutdown:
			// drain what was queued before Close
			for {
				select {
				case op := <-j.writeChannel:
					j.run(op)
				default:
					return
				}
			}
		}
	}
}

func (j *Journal) run(op writeOperation) {
	err := op.operation(j.db)
	if err != nil && j.cfg.RetryDelay > 0 {
		j.logger.Warn().Err(err).Dur("retry_in", j.cfg.RetryDelay).Msg("Journal write failed, retrying")
		time.Sleep(j.cfg.RetryDelay)
		err = op.operation(j.db)
	}
	if err != nil {
		j.failed.Add(1)
		j.logger.Error().Err(err).Msg("Journal write failed")
	}
	if op.result != nil {
		op.result <- err
	}
}

// enqueue queues a write without waiting; a full queue drops it
func (j *Journal) enqueue(operation func(*sql.DB) error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.writeChannel <- writeOperation{operation: operation}:
	default:
		j.dropped.Add(1)
	}
}

// executeWrite queues a write and waits for it
func (j *Journal) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	j.mu.RLock()
	if j.closed {
		j.mu.RUnlock()
		return ErrClosed
	}
	result := make(chan error, 1)
	select {
	case j.writeChannel <- writeOperation{operation: operation, result: result}:
		j.mu.RUnlock()
	case <-ctx.Done():
		j.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConnectionOpened records a new session
func (j *Journal) ConnectionOpened(info types.SessionInfo) {
	j.recordConnection(EventOpened, info, info.ConnectedAt)
}

// ConnectionClosed records the end of a session with its final counters
func (j *Journal) ConnectionClosed(info types.SessionInfo) {
	j.recordConnection(EventClosed, info, time.Now())
}

func (j *Journal) recordConnection(event string, info types.SessionInfo, at time.Time) {
	topics := info.Topics
	if topics == nil {
		topics = []string{}
	}
	topicsJSON, err := json.Marshal(topics)
	if err != nil {
		j.failed.Add(1)
		return
	}
	if at.IsZero() {
		at = time.Now()
	}

	j.enqueue(func(db *sql.DB) error {
		_, err := db.Exec(`
			INSERT INTO connection_events
				(connection_id, event, remote_addr, user_agent, subject, messages_sent, messages_received, topics, occurred_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, info.ID, event, info.RemoteAddr, info.UserAgent, info.Subject,
			info.MessagesSent, info.MessagesReceived, string(topicsJSON), at.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert connection event: %w", err)
		}
		return nil
	})
}

// MetricsSnapshot stores one collector sample
func (j *Journal) MetricsSnapshot(s metrics.Snapshot) {
	sizes := s.TopicSizes
	if sizes == nil {
		sizes = map[string]int{}
	}
	sizesJSON, err := json.Marshal(sizes)
	if err != nil {
		j.failed.Add(1)
		return
	}

	j.enqueue(func(db *sql.DB) error {
		_, err := db.Exec(`
			INSERT INTO metrics_snapshots
				(taken_at, total_connections, active_connections, messages_sent, messages_received,
				 errors, rejected_handshakes, active_topics, rate_limit_windows, memory_mb, cpu_percent, topic_sizes)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, s.Timestamp.UTC(), s.TotalConnections, s.ActiveConnections, s.MessagesSent, s.MessagesReceived,
			s.Errors, s.RejectedHandshake, s.ActiveTopics, s.RateLimitWindows, s.MemoryMB, s.CPUPercent, string(sizesJSON))
		if err != nil {
			return fmt.Errorf("failed to insert metrics snapshot: %w", err)
		}
		return nil
	})
}

// Flush waits until every write queued before the call has been applied
func (j *Journal) Flush(ctx context.Context) error {
	return j.executeWrite(ctx, func(*sql.DB) error { return nil })
}

// ConnectionEvents returns the most recent events, newest first.
// An empty connectionID returns events for every connection.
func (j *Journal) ConnectionEvents(ctx context.Context, connectionID string, limit int) ([]ConnectionEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, connection_id, event, remote_addr, user_agent, subject,
		       messages_sent, messages_received, topics, occurred_at
		FROM connection_events
		WHERE (? = '' OR connection_id = ?)
		ORDER BY id DESC
		LIMIT ?
	`
	rows, err := j.db.QueryContext(ctx, query, connectionID, connectionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query connection events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []ConnectionEvent
	for rows.Next() {
		var e ConnectionEvent
		var topicsJSON string
		if err := rows.Scan(&e.ID, &e.ConnectionID, &e.Event, &e.RemoteAddr, &e.UserAgent, &e.Subject,
			&e.MessagesSent, &e.MessagesReceived, &topicsJSON, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan connection event: %w", err)
		}
		if err := json.Unmarshal([]byte(topicsJSON), &e.Topics); err != nil {
			return nil, fmt.Errorf("failed to unmarshal topics: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating connection events: %w", err)
	}
	return events, nil
}

// Snapshots returns the most recent metrics snapshots, newest first
func (j *Journal) Snapshots(ctx context.Context, limit int) ([]metrics.Snapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT taken_at, total_connections, active_connections, messages_sent, messages_received,
		       errors, rejected_handshakes, active_topics, rate_limit_windows, memory_mb, cpu_percent, topic_sizes
		FROM metrics_snapshots
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var snaps []metrics.Snapshot
	for rows.Next() {
		var s metrics.Snapshot
		var sizesJSON string
		if err := rows.Scan(&s.Timestamp, &s.TotalConnections, &s.ActiveConnections, &s.MessagesSent,
			&s.MessagesReceived, &s.Errors, &s.RejectedHandshake, &s.ActiveTopics, &s.RateLimitWindows,
			&s.MemoryMB, &s.CPUPercent, &sizesJSON); err != nil {
			return nil, fmt.Errorf("failed to scan metrics snapshot: %w", err)
		}
		if err := json.Unmarshal([]byte(sizesJSON), &s.TopicSizes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal topic sizes: %w", err)
		}
		snaps = append(snaps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating metrics snapshots: %w", err)
	}
	return snaps, nil
}

// Dropped returns writes discarded because the queue was full
func (j *Journal) Dropped() int64 {
	return j.dropped.Load()
}

// HealthCheck validates database connectivity and schema
func (j *Journal) HealthCheck(ctx context.Context) error {
	if err := j.db.PingContext(ctx); err != nil {
		return fmt.Errorf("journal ping failed: %w", err)
	}
	for _, table := range []string{"connection_events", "metrics_snapshots"} {
		exists, err := tableExists(j.db, table)
		if err != nil {
			return fmt.Errorf("failed to check table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}
	}
	return nil
}

// Close applies queued writes and closes the database
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	j.mu.Unlock()

	close(j.shutdown)
	j.wg.Wait()

	if err := j.db.Close(); err != nil {
		return fmt.Errorf("failed to close journal: %w", err)
	}
	return nil
}
