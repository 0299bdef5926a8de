package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/klauspost/compress/zstd"

	"propcanvas/internal/types"
)

// WebhookEventRecord is one verified inbound webhook delivery, kept for
// reconciliation and debugging. The raw payload is stored zstd-compressed;
// webhook bodies are repetitive JSON and compress well.
type WebhookEventRecord struct {
	ID         string
	Provider   types.ProviderType
	EventType  string
	ReceivedAt time.Time
}

// WebhookEventRepository is the audit trail for verified webhook deliveries.
// Only payloads that passed signature verification are archived; rejected
// deliveries never reach this table.
type WebhookEventRepository struct {
	db      DBTX
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewWebhookEventRepository creates a WebhookEventRepository. The zstd
// encoder and decoder are stateless in EncodeAll/DecodeAll mode and shared
// across calls.
func NewWebhookEventRepository(db DBTX) (*WebhookEventRepository, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to initialize payload encoder", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to initialize payload decoder", err)
	}
	return &WebhookEventRepository{db: db, encoder: encoder, decoder: decoder}, nil
}

// Archive stores a verified webhook delivery with its compressed raw body.
func (r *WebhookEventRepository) Archive(ctx context.Context, id string, provider types.ProviderType, eventType string, payload []byte) error {
	compressed := r.encoder.EncodeAll(payload, make([]byte, 0, len(payload)/2))

	_, err := r.db.Exec(ctx,
		`INSERT INTO webhook_events (id, provider, event_type, payload, received_at)
		 VALUES ($1, $2, $3, $4, NOW())`,
		id,
		provider,
		eventType,
		compressed,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to archive webhook event", err)
	}
	return nil
}

// GetPayload retrieves and decompresses the raw body of an archived event.
func (r *WebhookEventRepository) GetPayload(ctx context.Context, id string) ([]byte, error) {
	var compressed []byte
	err := r.db.QueryRow(ctx,
		`SELECT payload FROM webhook_events WHERE id = $1`,
		id,
	).Scan(&compressed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundEvent, "webhook event not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve webhook event", err)
	}

	payload, err := r.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to decompress webhook payload", err)
	}
	return payload, nil
}

// ListRecent returns metadata for the most recent archived events for a
// provider, newest first.
func (r *WebhookEventRepository) ListRecent(ctx context.Context, provider types.ProviderType, limit int) ([]*WebhookEventRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	rows, err := r.db.Query(ctx,
		`SELECT id, provider, event_type, received_at
		 FROM webhook_events
		 WHERE provider = $1
		 ORDER BY received_at DESC
		 LIMIT $2`,
		provider,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list webhook events", err)
	}
	defer rows.Close()

	var records []*WebhookEventRecord
	for rows.Next() {
		var rec WebhookEventRecord
		if err := rows.Scan(&rec.ID, &rec.Provider, &rec.EventType, &rec.ReceivedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan webhook event", err)
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read webhook event rows", err)
	}
	return records, nil
}
