package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/robolinkhq/session-manager/internal/v1/metrics"
)

// Shipper batches log entries and POSTs them as newline-delimited JSON to a
// Vector HTTP sink. It never blocks the caller: when the buffer is full the
// entry is dropped and counted, and sink failures are swallowed so a broken
// log pipeline cannot take the orchestrator down with it.
type Shipper struct {
	endpoint   string
	sourceName string
	client     *http.Client

	entries chan shipperEntry
	done    chan struct{}
	wg      sync.WaitGroup

	batchSize     int
	flushInterval time.Duration
}

type shipperEntry struct {
	Timestamp string            `json:"timestamp"`
	Level     string            `json:"level"`
	Message   string            `json:"message"`
	Service   string            `json:"service"`
	Context   map[string]string `json:"context,omitempty"`
}

// ShipperConfig configures a Shipper.
type ShipperConfig struct {
	Endpoint   string
	SourceName string
	// BatchSize defaults to 64 entries, FlushInterval to 2s.
	BatchSize     int
	FlushInterval time.Duration
}

// NewShipper creates a shipper and starts its background flush loop.
func NewShipper(cfg ShipperConfig) *Shipper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	s := &Shipper{
		endpoint:      cfg.Endpoint,
		sourceName:    cfg.SourceName,
		client:        &http.Client{Timeout: 5 * time.Second},
		entries:       make(chan shipperEntry, 1024),
		done:          make(chan struct{}),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Close flushes pending entries and stops the background loop.
func (s *Shipper) Close() {
	close(s.done)
	s.wg.Wait()
}

func (s *Shipper) enqueue(e shipperEntry) {
	select {
	case s.entries <- e:
	default:
		metrics.LogEntriesDropped.Inc()
	}
}

func (s *Shipper) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	batch := make([]shipperEntry, 0, s.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.post(batch)
		batch = batch[:0]
	}

	for {
		select {
		case e := <-s.entries:
			batch = append(batch, e)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.done:
			// Drain whatever is already queued, then final flush.
			for {
				select {
				case e := <-s.entries:
					batch = append(batch, e)
					if len(batch) >= s.batchSize {
						flush()
					}
					continue
				default:
				}
				break
			}
			flush()
			return
		}
	}
}

func (s *Shipper) post(batch []shipperEntry) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range batch {
		// Encode errors are impossible for this entry shape; skip defensively.
		_ = enc.Encode(e)
	}

	resp, err := s.client.Post(s.endpoint, "application/x-ndjson", &buf)
	if err != nil {
		return
	}
	_ = resp.Body.Close()
}

// shipperCore mirrors entries at or above the configured level into a Shipper.
type shipperCore struct {
	shipper *Shipper
	level   zapcore.LevelEnabler
	fields  []zapcore.Field
}

// NewShipperCore wraps a Shipper as a zapcore.Core for use in a Tee.
func NewShipperCore(s *Shipper, enab zapcore.LevelEnabler) zapcore.Core {
	return &shipperCore{shipper: s, level: enab}
}

func (c *shipperCore) Enabled(l zapcore.Level) bool { return c.level.Enabled(l) }

func (c *shipperCore) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.fields = append(append([]zapcore.Field{}, c.fields...), fields...)
	return &clone
}

func (c *shipperCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *shipperCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}

	ctx := make(map[string]string, len(enc.Fields))
	for k, v := range enc.Fields {
		ctx[k] = fmt.Sprint(v)
	}

	c.shipper.enqueue(shipperEntry{
		Timestamp: ent.Time.UTC().Format(time.RFC3339Nano),
		Level:     ent.Level.String(),
		Message:   ent.Message,
		Service:   c.shipper.sourceName,
		Context:   ctx,
	})
	return nil
}

func (c *shipperCore) Sync() error { return nil }
