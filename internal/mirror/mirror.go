// Package mirror copies the conversation to Redis: the latest snapshot
// under a plain key and every committed exchange onto a stream that other
// processes can follow.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/persona-chat/internal/chat"
	"github.com/nidhogg/persona-chat/internal/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	snapshotKey = "parlor:autosave:current"
	turnStream  = "parlor:turns"
	// streamMaxLen caps the turn stream; trimming is approximate.
	streamMaxLen = 1000

	retryMin = 250 * time.Millisecond
	retryMax = 5 * time.Second
)

// Mirror writes snapshots and turn events to Redis.
type Mirror struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// New connects to the Redis server at url.
func New(ctx context.Context, url string, logger *zap.Logger) (*Mirror, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	logger.Info("Redis connected")
	return &Mirror{rdb: rdb, logger: logger}, nil
}

// Event is one committed exchange as published on the turn stream.
type Event struct {
	StreamID string        `json:"-"`
	Exchange chat.Exchange `json:"exchange"`
	Messages int           `json:"messages"`
}

// Record stores doc as the latest snapshot and appends ex to the turn
// stream. It satisfies chat.Recorder.
func (m *Mirror) Record(ctx context.Context, ex chat.Exchange, doc storage.ChatDocument) error {
	snap, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	ev, err := json.Marshal(Event{Exchange: ex, Messages: len(doc.ChatHistory)})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	pipe := m.rdb.TxPipeline()
	pipe.Set(ctx, snapshotKey, snap, 0)
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: turnStream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data": string(ev),
		},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirror exchange %s: %w", ex.ID, err)
	}

	m.logger.Debug("exchange mirrored",
		zap.String("exchange", ex.ID),
		zap.String("persona", ex.Persona))
	return nil
}

// RecordSnapshot replaces the latest snapshot without publishing a turn
// event. It satisfies chat.SnapshotRecorder.
func (m *Mirror) RecordSnapshot(ctx context.Context, doc storage.ChatDocument) error {
	snap, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := m.rdb.Set(ctx, snapshotKey, snap, 0).Err(); err != nil {
		return fmt.Errorf("mirror snapshot: %w", err)
	}
	m.logger.Debug("snapshot mirrored", zap.Int("messages", len(doc.ChatHistory)))
	return nil
}

// LatestSnapshot returns the most recently mirrored conversation.
// storage.ErrEmpty means nothing has been mirrored yet.
func (m *Mirror) LatestSnapshot(ctx context.Context) (*storage.ChatDocument, error) {
	raw, err := m.rdb.Get(ctx, snapshotKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	var doc storage.ChatDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &doc, nil
}

// Subscribe follows the turn stream from the given ID ("$" for new
// events only, "0" for the whole retained stream). Read failures are
// retried with exponential backoff. The channel closes when ctx is
// cancelled.
func (m *Mirror) Subscribe(ctx context.Context, from string) <-chan Event {
	ch := make(chan Event, 16)
	if from == "" {
		from = "$"
	}

	lastID := m.resolveStart(ctx, from)
	go func() {
		defer close(ch)

		delay := retryMin
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := m.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{turnStream, lastID},
				Count:   10,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if errors.Is(err, redis.Nil) {
					delay = retryMin
					continue
				}
				m.logger.Warn("turn stream read failed", zap.Error(err), zap.Duration("retry_in", delay))
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
				delay = min(delay*2, retryMax)
				continue
			}
			delay = retryMin

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var ev Event
					if json.Unmarshal([]byte(data), &ev) != nil {
						continue
					}
					ev.StreamID = msg.ID
					select {
					case ch <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch
}

// resolveStart pins "$" to the current tail so that entries added
// between two blocking reads are not skipped.
func (m *Mirror) resolveStart(ctx context.Context, from string) string {
	if from != "$" {
		return from
	}
	last, err := m.rdb.XRevRangeN(ctx, turnStream, "+", "-", 1).Result()
	if err != nil {
		m.logger.Warn("read turn stream tail", zap.Error(err))
		return from
	}
	if len(last) == 0 {
		return "0-0"
	}
	return last[0].ID
}

// Close shuts down the Redis connection.
func (m *Mirror) Close() error {
	return m.rdb.Close()
}
