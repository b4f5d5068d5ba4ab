// Package audit implements the buffered, rotated, JSON-lines audit log
// pipeline described in spec.md §4.3: entries are enqueued in-memory and
// flushed to daily JSONL files on buffer-full, CRITICAL severity, or a
// periodic tick, with shallow PII redaction, size-based rotation, and
// date-based retention.
//
// Concurrency shape is grounded on internal/audit/audit.go's buffered
// channel + sync.WaitGroup + ticker-driven flush loop, adapted to write
// JSONL files instead of Postgres rows.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/restosync/core/internal/telemetry"
)

// Severity classifies an audit entry.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// Entry is a single audit log record, shaped per spec.md §3 "Audit entry".
type Entry struct {
	Timestamp          time.Time      `json:"timestamp"`
	Action             string         `json:"action"`
	EntityType         string         `json:"entity_type"`
	EntityID           string         `json:"entity_id,omitempty"`
	UserID             string         `json:"user_id"`
	TerminalID         string         `json:"terminal_id"`
	Severity           Severity       `json:"severity"`
	Description        string         `json:"description"`
	OldValue           map[string]any `json:"old_value,omitempty"`
	NewValue           map[string]any `json:"new_value,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	SyncStatus         string         `json:"sync_status,omitempty"`
	ConflictResolution string         `json:"conflict_resolution,omitempty"`
	IPAddress          string         `json:"ip_address,omitempty"`
	SessionID          string         `json:"session_id,omitempty"`
}

// sensitiveFields is the case-insensitive set of top-level keys redacted
// from old_value/new_value before buffering.
var sensitiveFields = map[string]bool{
	"password":    true,
	"token":       true,
	"api_key":     true,
	"secret":      true,
	"card_number": true,
	"cvv":         true,
	"cpf":         true,
	"rg":          true,
	"credit_card": true,
}

const redactedPlaceholder = "***REDACTED***"

// redact replaces any top-level key in m whose lowercased name is in the
// sensitive set with the redaction placeholder. It is idempotent:
// redact(redact(m)) == redact(m).
func redact(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		lower := lowerASCII(k)
		if sensitiveFields[lower] {
			out[k] = redactedPlaceholder
			continue
		}
		out[k] = v
	}
	return out
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// Config controls buffering, flush cadence, rotation, and retention.
type Config struct {
	Dir            string
	BufferSize     int
	FlushInterval  time.Duration
	MaxFileMB      int
	RetentionDays  int
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 10 * time.Second
	}
	if c.MaxFileMB <= 0 {
		c.MaxFileMB = 100
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 90
	}
	return c
}

// Clock abstracts time.Now for deterministic tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// Pipeline is the buffered audit log writer. The background loop appends
// entries received from Log; when that channel is full, Log appends from
// the calling goroutine instead. The buffer is guarded by mu, which is held
// while a batch is taken from the buffer but not during the file write.
type Pipeline struct {
	cfg    Config
	logger *slog.Logger
	clock  Clock

	mu     sync.Mutex
	buffer []Entry

	entries chan Entry
	flush   chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewPipeline creates a Pipeline. Call Start to begin the background flush
// loop and Close to drain and stop it.
func NewPipeline(cfg Config, logger *slog.Logger) *Pipeline {
	return NewPipelineWithClock(cfg, logger, realClock{})
}

// NewPipelineWithClock is NewPipeline with an injectable Clock, used by
// tests that need to control rotation/retention date math deterministically.
func NewPipelineWithClock(cfg Config, logger *slog.Logger, clock Clock) *Pipeline {
	cfg = cfg.withDefaults()
	return &Pipeline{
		cfg:     cfg,
		logger:  logger,
		clock:   clock,
		entries: make(chan Entry, cfg.BufferSize*2),
		flush:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Start launches the background flush loop. It returns once the loop
// goroutine is running; call Close to stop it.
func (p *Pipeline) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.run(ctx)
}

// Close signals the flush loop to drain and stop, flushing any
// remaining buffered entries first.
func (p *Pipeline) Close() {
	close(p.done)
	p.wg.Wait()
}

func (p *Pipeline) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.drain()
			p.flushBuffer()
			return
		case <-p.done:
			p.drain()
			p.flushBuffer()
			return
		case e := <-p.entries:
			p.append(e)
		case <-p.flush:
			p.flushBuffer()
		case <-ticker.C:
			p.flushBuffer()
		}
	}
}

func (p *Pipeline) drain() {
	for {
		select {
		case e := <-p.entries:
			p.append(e)
		default:
			return
		}
	}
}

func (p *Pipeline) append(e Entry) {
	telemetry.AuditEntriesBufferedTotal.Inc()

	p.mu.Lock()
	p.buffer = append(p.buffer, e)
	full := len(p.buffer) >= p.cfg.BufferSize
	critical := e.Severity == SeverityCritical
	p.mu.Unlock()

	if full || critical {
		p.flushBuffer()
	}
}

// Log appends entry to the pipeline, redacting sensitive fields first.
// It never blocks indefinitely and never propagates a failure to the
// caller: if the internal channel is saturated, the entry is appended to
// the buffer from the calling goroutine (flushing synchronously when that
// fills the buffer or the entry is CRITICAL) rather than dropped, since
// spec.md requires flush on buffer-full rather than a best-effort drop.
func (p *Pipeline) Log(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = p.clock.Now()
	}
	e.OldValue = redact(e.OldValue)
	e.NewValue = redact(e.NewValue)

	select {
	case p.entries <- e:
	default:
		p.append(e)
	}
}

// LogSyncEvent is a shape-specialized helper for sync fan-out audit entries.
func (p *Pipeline) LogSyncEvent(entityType, entityID, fromTerminal, fromUser string, destinations []string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	p.Log(Entry{
		Action:      "SYNC_FANOUT",
		EntityType:  entityType,
		EntityID:    entityID,
		UserID:      fromUser,
		TerminalID:  fromTerminal,
		Severity:    SeverityInfo,
		Description: fmt.Sprintf("fanned out to %d terminal(s)", len(destinations)),
		Metadata:    map[string]any{"destinations": destinations},
		SyncStatus:  status,
	})
}

// LogConflict is a shape-specialized helper for version-conflict audit entries.
func (p *Pipeline) LogConflict(entityType, entityID, userID, terminalID, resolution string) {
	p.Log(Entry{
		Action:             "VERSION_CONFLICT",
		EntityType:         entityType,
		EntityID:           entityID,
		UserID:             userID,
		TerminalID:         terminalID,
		Severity:           SeverityWarning,
		Description:        "optimistic concurrency conflict",
		ConflictResolution: resolution,
	})
}

// LogPayment is a shape-specialized helper for payment-related audit entries.
func (p *Pipeline) LogPayment(entityID, userID, terminalID string, oldValue, newValue map[string]any) {
	p.Log(Entry{
		Action:      "PAYMENT",
		EntityType:  "command_session",
		EntityID:    entityID,
		UserID:      userID,
		TerminalID:  terminalID,
		Severity:    SeverityInfo,
		Description: "payment recorded",
		OldValue:    oldValue,
		NewValue:    newValue,
	})
}

// LogCashierOperation is a shape-specialized helper for cashier-drawer
// operations.
func (p *Pipeline) LogCashierOperation(userID, terminalID, description string, metadata map[string]any) {
	p.Log(Entry{
		Action:      "CASHIER_OPERATION",
		EntityType:  "cashier",
		UserID:      userID,
		TerminalID:  terminalID,
		Severity:    SeverityInfo,
		Description: description,
		Metadata:    metadata,
	})
}

// flushBuffer writes every buffered entry to the current day's file and
// clears the buffer. A failed write is logged and the buffer is retained
// for the next attempt, per spec.md §4.3's "never blocks, never throws"
// failure semantics.
func (p *Pipeline) flushBuffer() {
	p.mu.Lock()
	if len(p.buffer) == 0 {
		p.mu.Unlock()
		return
	}
	batch := p.buffer
	p.buffer = nil
	p.mu.Unlock()

	start := p.clock.Now()
	defer func() {
		telemetry.AuditFlushDuration.Observe(p.clock.Now().Sub(start).Seconds())
	}()

	if err := p.writeBatch(batch); err != nil {
		if p.logger != nil {
			p.logger.Error("audit flush failed, retaining buffer", "error", err, "entries", len(batch))
		}
		p.mu.Lock()
		p.buffer = append(batch, p.buffer...)
		p.mu.Unlock()
	}
}

func (p *Pipeline) writeBatch(batch []Entry) error {
	if err := os.MkdirAll(p.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("creating audit log dir: %w", err)
	}

	if err := p.rotateIfNeeded(); err != nil {
		return err
	}

	path := p.currentFilePath()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening audit log file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, e := range batch {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("encoding audit entry: %w", err)
		}
	}
	return nil
}

func (p *Pipeline) currentFilePath() string {
	return filepath.Join(p.cfg.Dir, fmt.Sprintf("audit_%s.jsonl", p.clock.Now().Format("20060102")))
}

// rotateIfNeeded renames the current day's file to a *_rotated.jsonl name
// if it has reached MaxFileMB. The rename happens before any new append, so
// buffered entries already committed to the rename target are never lost.
func (p *Pipeline) rotateIfNeeded() error {
	path := p.currentFilePath()
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("statting audit log file: %w", err)
	}

	maxBytes := int64(p.cfg.MaxFileMB) * 1024 * 1024
	if info.Size() < maxBytes {
		return nil
	}

	rotated := filepath.Join(p.cfg.Dir, fmt.Sprintf("audit_%s_rotated.jsonl", p.clock.Now().Format("20060102_150405")))
	if err := os.Rename(path, rotated); err != nil {
		return fmt.Errorf("rotating audit log file: %w", err)
	}
	return nil
}

// CleanupOldLogs removes audit_YYYYMMDD.jsonl files older than
// RetentionDays. Rotated files are not subject to this routine.
func (p *Pipeline) CleanupOldLogs() (int, error) {
	entries, err := os.ReadDir(p.cfg.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading audit log dir: %w", err)
	}

	cutoff := p.clock.Now().AddDate(0, 0, -p.cfg.RetentionDays)
	removed := 0
	for _, de := range entries {
		name := de.Name()
		day, ok := parseDailyFileDate(name)
		if !ok {
			continue
		}
		if day.Before(cutoff) {
			if err := os.Remove(filepath.Join(p.cfg.Dir, name)); err != nil {
				return removed, fmt.Errorf("removing %s: %w", name, err)
			}
			removed++
		}
	}
	return removed, nil
}

// parseDailyFileDate matches "audit_YYYYMMDD.jsonl" exactly (rotated files
// carry an extra _HHMMSS_rotated suffix and do not match).
func parseDailyFileDate(name string) (time.Time, bool) {
	const prefix, suffix = "audit_", ".jsonl"
	if len(name) != len(prefix)+8+len(suffix) {
		return time.Time{}, false
	}
	if name[:len(prefix)] != prefix || name[len(name)-len(suffix):] != suffix {
		return time.Time{}, false
	}
	datePart := name[len(prefix) : len(name)-len(suffix)]
	t, err := time.Parse("20060102", datePart)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Filter scopes SearchLogs.
type Filter struct {
	Start, End               time.Time
	EntityType, EntityID     string
	UserID, TerminalID       string
	Action                   string
	Limit                    int
}

// SearchLogs scans daily files across [Start, End] in chronological order,
// applying equality filters, stopping once Limit entries have been
// collected (default 100).
func (p *Pipeline) SearchLogs(filter Filter) ([]Entry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var results []Entry
	for _, day := range dayRange(filter.Start, filter.End) {
		if len(results) >= limit {
			break
		}
		path := filepath.Join(p.cfg.Dir, fmt.Sprintf("audit_%s.jsonl", day.Format("20060102")))
		entries, err := readEntries(path)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !matchesFilter(e, filter) {
				continue
			}
			results = append(results, e)
			if len(results) >= limit {
				break
			}
		}
	}
	return results, nil
}

func matchesFilter(e Entry, f Filter) bool {
	if f.EntityType != "" && e.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && e.EntityID != f.EntityID {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.TerminalID != "" && e.TerminalID != f.TerminalID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	return true
}

func dayRange(start, end time.Time) []time.Time {
	if end.Before(start) {
		return nil
	}
	var days []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

func readEntries(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var entries []Entry
	dec := json.NewDecoder(f)
	for dec.More() {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("decoding entry in %s: %w", path, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Statistics aggregates audit entries over a period, per spec.md §4.3.
type Statistics struct {
	ByAction     map[string]int `json:"by_action"`
	ByEntity     map[string]int `json:"by_entity"`
	ByTerminal   map[string]int `json:"by_terminal"`
	ByUser       map[string]int `json:"by_user"`
	BySeverity   map[string]int `json:"by_severity"`
	Conflicts    int            `json:"conflicts"`
	SyncFailures int            `json:"sync_failures"`
	Total        int            `json:"total"`
}

// GetStatistics aggregates every entry across [start, end].
func (p *Pipeline) GetStatistics(start, end time.Time) (Statistics, error) {
	stats := Statistics{
		ByAction:   make(map[string]int),
		ByEntity:   make(map[string]int),
		ByTerminal: make(map[string]int),
		ByUser:     make(map[string]int),
		BySeverity: make(map[string]int),
	}

	for _, day := range dayRange(start, end) {
		path := filepath.Join(p.cfg.Dir, fmt.Sprintf("audit_%s.jsonl", day.Format("20060102")))
		entries, err := readEntries(path)
		if err != nil {
			return stats, err
		}
		for _, e := range entries {
			stats.Total++
			stats.ByAction[e.Action]++
			stats.ByEntity[e.EntityType]++
			stats.ByTerminal[e.TerminalID]++
			stats.ByUser[e.UserID]++
			stats.BySeverity[string(e.Severity)]++
			if e.Action == "VERSION_CONFLICT" {
				stats.Conflicts++
			}
			if e.SyncStatus == "failure" {
				stats.SyncFailures++
			}
		}
	}
	return stats, nil
}
