package db

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/klauspost/compress/zstd"

	"stratplan/internal/types"
)

// EventLedger records every provider event id the webhook ingress has
// claimed. A claim is never released; rows only leave through Purge once
// they are past the provider's redelivery window.
type EventLedger struct {
	db DBTX

	// decoderPool provides reusable zstd decoders for payload reads.
	decoderPool sync.Pool
}

// NewEventLedger creates an EventLedger backed by the given database
// connection (pool or transaction).
func NewEventLedger(db DBTX) *EventLedger {
	return &EventLedger{
		db: db,
		decoderPool: sync.Pool{
			New: func() any {
				d, err := zstd.NewReader(nil)
				if err != nil {
					return nil
				}
				return d
			},
		},
	}
}

// payloadEncoder is shared; EncodeAll is safe for concurrent use.
var payloadEncoder = sync.OnceValues(func() (*zstd.Encoder, error) {
	return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
})

func compressPayload(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	enc, err := payloadEncoder()
	if err != nil {
		return nil, err
	}
	return enc.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

// TryClaim inserts the event id and reports whether this call inserted it.
// false means the event was claimed before and must not be applied again.
//
//	INSERT INTO processed_events (...) VALUES (...)
//	ON CONFLICT (event_id) DO NOTHING
func (l *EventLedger) TryClaim(ctx context.Context, eventID, eventType string, payload []byte) (bool, error) {
	compressed, err := compressPayload(payload)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to compress event payload", err)
	}
	tag, err := conn(ctx, l.db).Exec(ctx,
		`INSERT INTO processed_events (event_id, event_type, processed_at, payload)
		 VALUES ($1, $2, NOW(), $3)
		 ON CONFLICT (event_id) DO NOTHING`,
		eventID,
		eventType,
		compressed,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to claim event", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimedEvent is a ledger row with its payload decompressed.
type ClaimedEvent struct {
	EventID     string
	EventType   string
	ProcessedAt time.Time
	Payload     []byte
}

// Get returns a claimed event with its original body.
func (l *EventLedger) Get(ctx context.Context, eventID string) (*ClaimedEvent, error) {
	var (
		ev         ClaimedEvent
		compressed []byte
	)
	err := conn(ctx, l.db).QueryRow(ctx,
		`SELECT event_id, event_type, processed_at, payload
		 FROM processed_events
		 WHERE event_id = $1`,
		eventID,
	).Scan(&ev.EventID, &ev.EventType, &ev.ProcessedAt, &compressed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundEvent, "event not found in ledger", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read ledger event", err)
	}
	if len(compressed) == 0 {
		return &ev, nil
	}

	dec, ok := l.decoderPool.Get().(*zstd.Decoder)
	if !ok || dec == nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "zstd decoder unavailable", nil)
	}
	defer l.decoderPool.Put(dec)

	ev.Payload, err = dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
			fmt.Sprintf("failed to decompress payload of %s", eventID), err)
	}
	return &ev, nil
}

// Purge deletes ledger rows processed before olderThan and returns how many
// were removed.
func (l *EventLedger) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := conn(ctx, l.db).Exec(ctx,
		`DELETE FROM processed_events WHERE processed_at < $1`,
		olderThan,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to purge event ledger", err)
	}
	return int(tag.RowsAffected()), nil
}
