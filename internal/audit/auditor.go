// Package audit buffers request and response records and ships them to
// sinks in batches, off the request path.
package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/webmcp-broker/internal/config"
	"github.com/shehryarbajwa/webmcp-broker/internal/logging"
	"github.com/shehryarbajwa/webmcp-broker/internal/metrics"
	"github.com/shehryarbajwa/webmcp-broker/internal/redact"
	"github.com/shehryarbajwa/webmcp-broker/pkg/models"
)

const sinkTimeout = 10 * time.Second

// Sink persists a batch of entries.
type Sink interface {
	Name() string
	Write(ctx context.Context, entries []models.AuditEntry) error
	Close() error
}

// Config controls buffering and verbosity.
type Config struct {
	Level         string
	FlushInterval time.Duration
	BatchSize     int
	BufferSize    int
}

// Auditor accepts entries without blocking and flushes them on an interval
// or when a batch fills up. Sink errors are logged and dropped.
type Auditor struct {
	cfg      Config
	sinks    []Sink
	redactor *redact.Redactor
	logger   *logging.Logger
	metrics  *metrics.Metrics

	mu      sync.RWMutex
	closed  bool
	entries chan models.AuditEntry
	flushes chan chan struct{}
	done    chan struct{}
}

// New creates an Auditor. Call Start to begin flushing.
func New(cfg Config, sinks []Sink, redactor *redact.Redactor, logger *logging.Logger, m *metrics.Metrics) *Auditor {
	if cfg.Level == "" {
		cfg.Level = config.AuditBasic
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BufferSize < cfg.BatchSize {
		cfg.BufferSize = cfg.BatchSize * 10
	}
	if redactor == nil {
		redactor = redact.Default()
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Auditor{
		cfg:      cfg,
		sinks:    sinks,
		redactor: redactor,
		logger:   logger.Named("audit"),
		metrics:  m,
		entries:  make(chan models.AuditEntry, cfg.BufferSize),
		flushes:  make(chan chan struct{}),
		done:     make(chan struct{}),
	}
}

// Enabled reports whether anything is recorded at all.
func (a *Auditor) Enabled() bool { return a.cfg.Level != config.AuditNone }

// Level returns the configured verbosity.
func (a *Auditor) Level() string { return a.cfg.Level }

// Start launches the flush loop.
func (a *Auditor) Start() {
	go a.run()
}

// Record queues an entry. It never blocks; when the buffer is full the entry
// is dropped and counted.
func (a *Auditor) Record(e models.AuditEntry) {
	if !a.Enabled() {
		return
	}
	e = a.shape(e)

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.entries <- e:
	default:
		a.metrics.AuditDrop()
	}
}

// shape trims an entry to the configured level and redacts free text.
func (a *Auditor) shape(e models.AuditEntry) models.AuditEntry {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	switch a.cfg.Level {
	case config.AuditBasic:
		e.ToolName = ""
		e.Success = nil
		e.PageChanged = nil
		e.Destination = ""
		e.Role = ""
		e.Error = ""
	case config.AuditDetailed:
		e.Destination = ""
	}
	if e.Error != "" {
		e.Error = a.redactor.String(e.Error)
	}
	if e.Destination != "" {
		e.Destination = a.redactor.String(e.Destination)
	}
	return e
}

// Flush writes everything queued so far and waits for the sinks.
func (a *Auditor) Flush(ctx context.Context) {
	ack := make(chan struct{})
	select {
	case a.flushes <- ack:
	case <-a.done:
		return
	case <-ctx.Done():
		return
	}
	select {
	case <-ack:
	case <-ctx.Done():
	}
}

// Close stops accepting entries, flushes what is buffered and closes the sinks.
func (a *Auditor) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.entries)
	a.mu.Unlock()

	select {
	case <-a.done:
	case <-ctx.Done():
		a.logger.Warn("audit flush did not finish before shutdown deadline")
	}
	for _, s := range a.sinks {
		if err := s.Close(); err != nil {
			a.logger.Warn("closing audit sink", zap.String("sink", s.Name()), zap.Error(err))
		}
	}
	return nil
}

func (a *Auditor) run() {
	defer close(a.done)
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]models.AuditEntry, 0, a.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		a.write(batch)
		batch = make([]models.AuditEntry, 0, a.cfg.BatchSize)
	}

	for {
		select {
		case e, ok := <-a.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= a.cfg.BatchSize {
				flush()
			}
		case ack := <-a.flushes:
			a.drain(&batch)
			flush()
			close(ack)
		case <-ticker.C:
			flush()
		}
	}
}

// drain moves whatever is buffered in the channel into batch.
func (a *Auditor) drain(batch *[]models.AuditEntry) {
	for {
		select {
		case e, ok := <-a.entries:
			if !ok {
				return
			}
			*batch = append(*batch, e)
		default:
			return
		}
	}
}

func (a *Auditor) write(batch []models.AuditEntry) {
	for _, s := range a.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		err := s.Write(ctx, batch)
		cancel()
		a.metrics.AuditFlush(s.Name(), len(batch), err)
		if err != nil {
			a.logger.Error("audit sink write failed",
				zap.String("sink", s.Name()), zap.Int("entries", len(batch)), zap.Error(err))
		}
	}
}
