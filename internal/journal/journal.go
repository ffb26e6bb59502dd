// Package journal persists every decision the engine makes: accepted
// cross-venue pairs, detected and rejected opportunities, executed
// trades, and unwind resolutions.
//
// Records append to per-kind JSONL files so post-trade analysis can
// replay a session without touching engine state. Writes happen on a
// dedicated goroutine; the hot path only enqueues. When a Redis URL is
// configured, each record is additionally published msgpack-encoded for
// external dashboards; publish failures are logged and never block the
// engine.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"crossarb/internal/config"
	"crossarb/pkg/types"
)

const queueSize = 256

// Record is the envelope every journal entry shares.
type Record struct {
	Kind      string      `json:"kind" msgpack:"kind"`
	Timestamp time.Time   `json:"ts" msgpack:"ts"`
	Payload   interface{} `json:"payload" msgpack:"payload"`
}

// OpportunityRecord captures one detector emission and what the
// orchestrator did with it.
type OpportunityRecord struct {
	Opportunity types.Opportunity `json:"opportunity" msgpack:"opportunity"`
	Decision    string            `json:"decision" msgpack:"decision"` // executed | rejected
	Reason      string            `json:"reason,omitempty" msgpack:"reason,omitempty"`
}

// Journal is the async decision log.
type Journal struct {
	dir     string
	queue   chan Record
	redis   *redis.Client
	channel string
	logger  *slog.Logger

	files map[string]*os.File
}

// New creates the journal and opens its Redis connection if configured.
func New(cfg config.JournalConfig, logger *slog.Logger) (*Journal, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	j := &Journal{
		dir:     cfg.Dir,
		queue:   make(chan Record, queueSize),
		channel: cfg.RedisChannel,
		logger:  logger.With("component", "journal"),
		files:   make(map[string]*os.File),
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		j.redis = redis.NewClient(opts)
	}

	return j, nil
}

// Run drains the queue until ctx is cancelled, then flushes what remains
// and closes the files.
func (j *Journal) Run(ctx context.Context) {
	defer j.closeFiles()

	for {
		select {
		case rec := <-j.queue:
			j.write(ctx, rec)
		case <-ctx.Done():
			// Drain without blocking so buffered records survive shutdown.
			for {
				select {
				case rec := <-j.queue:
					j.write(context.Background(), rec)
				default:
					return
				}
			}
		}
	}
}

// Pair records a cross-venue match accepted during discovery.
func (j *Journal) Pair(pair types.MatchedPair) {
	j.enqueue(Record{Kind: "pair", Timestamp: time.Now(), Payload: pair})
}

// Opportunity records a detector emission and its disposition.
func (j *Journal) Opportunity(opp types.Opportunity, decision, reason string) {
	j.enqueue(Record{
		Kind:      "opportunity",
		Timestamp: time.Now(),
		Payload: OpportunityRecord{
			Opportunity: opp,
			Decision:    decision,
			Reason:      reason,
		},
	})
}

// Trade records an executed trade.
func (j *Journal) Trade(trade types.Trade) {
	j.enqueue(Record{Kind: "trade", Timestamp: time.Now(), Payload: trade})
}

// Unwind records one unwind resolution.
func (j *Journal) Unwind(rec types.UnwindRecord) {
	j.enqueue(Record{Kind: "unwind", Timestamp: time.Now(), Payload: rec})
}

func (j *Journal) enqueue(rec Record) {
	select {
	case j.queue <- rec:
	default:
		j.logger.Warn("journal queue full, dropping record", "kind", rec.Kind)
	}
}

func (j *Journal) write(ctx context.Context, rec Record) {
	line, err := json.Marshal(rec)
	if err != nil {
		j.logger.Error("marshal journal record", "error", err)
		return
	}

	f, err := j.file(rec.Kind)
	if err != nil {
		j.logger.Error("open journal file", "kind", rec.Kind, "error", err)
	} else if _, err := f.Write(append(line, '\n')); err != nil {
		j.logger.Error("append journal record", "kind", rec.Kind, "error", err)
	}

	if j.redis != nil {
		packed, err := msgpack.Marshal(rec)
		if err != nil {
			j.logger.Error("msgpack journal record", "error", err)
			return
		}
		if err := j.redis.Publish(ctx, j.channel, packed).Err(); err != nil {
			j.logger.Warn("redis publish failed", "error", err)
		}
	}
}

// file returns the per-kind append handle, opening it on first use.
func (j *Journal) file(kind string) (*os.File, error) {
	if f, ok := j.files[kind]; ok {
		return f, nil
	}
	path := filepath.Join(j.dir, kind+"s.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	j.files[kind] = f
	return f, nil
}

func (j *Journal) closeFiles() {
	for _, f := range j.files {
		f.Close()
	}
	if j.redis != nil {
		j.redis.Close()
	}
}
