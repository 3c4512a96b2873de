package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/Felipeflowers17/CA-doc/internal/database"
)

type EventType string

const (
	// EventTypeTenderRelevant is published when a tender reaches the final threshold.
	EventTypeTenderRelevant EventType = "TENDER_RELEVANT"

	aggregateTender = "tender"
)

// TenderRelevantPayload is the body of a TENDER_RELEVANT event.
type TenderRelevantPayload struct {
	EventID   string              `json:"event_id"`
	EventType string              `json:"event_type"`
	Timestamp time.Time           `json:"timestamp"`
	RunID     string              `json:"run_id,omitempty"`
	Code      string              `json:"code"`
	Name      string              `json:"name"`
	Status    string              `json:"status,omitempty"`
	Score     int                 `json:"score"`
	Amount    decimal.NullDecimal `json:"amount"`
	ClosesAt  *time.Time          `json:"closes_at,omitempty"`
	Products  []string            `json:"products,omitempty"`
	DetailURL string              `json:"detail_url"`
	Source    string              `json:"source"`
}

type transactor interface {
	Transaction(ctx context.Context, fn func(pgx.Tx) error) error
}

type outboxWriter interface {
	InsertWithTx(ctx context.Context, tx pgx.Tx, event *database.OutboxEvent) error
}

// Publisher writes events to the transactional outbox. The relay delivers
// them to Redis afterwards.
type Publisher struct {
	db     transactor
	outbox outboxWriter
	stream string
	logger *slog.Logger
}

func NewPublisher(db *database.DB, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		db:     db,
		outbox: database.NewOutboxRepository(db),
		stream: database.DefaultTenderStream,
		logger: logger.With("component", "event_publisher"),
	}
}

// WithStream returns a copy of the publisher that targets stream.
func (p *Publisher) WithStream(stream string) *Publisher {
	cp := *p
	if stream != "" {
		cp.stream = stream
	}
	return &cp
}

func (p *Publisher) PublishTenderRelevant(ctx context.Context, payload *TenderRelevantPayload) error {
	if payload.Code == "" {
		return fmt.Errorf("%w: missing tender code", database.ErrInvalidEvent)
	}
	if payload.EventID == "" {
		payload.EventID = uuid.New().String()
	}
	if payload.EventType == "" {
		payload.EventType = string(EventTypeTenderRelevant)
	}
	if payload.Timestamp.IsZero() {
		payload.Timestamp = time.Now()
	}
	if payload.Source == "" {
		payload.Source = "etl"
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	event := &database.OutboxEvent{
		AggregateType: aggregateTender,
		AggregateID:   payload.Code,
		EventType:     string(EventTypeTenderRelevant),
		Payload:       data,
		TargetStream:  p.stream,
	}

	err = p.db.Transaction(ctx, func(tx pgx.Tx) error {
		return p.outbox.InsertWithTx(ctx, tx, event)
	})
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Info("event published to outbox",
		"type", payload.EventType,
		"event_id", payload.EventID,
		"code", payload.Code,
		"score", payload.Score,
		"outbox_id", event.ID,
	)
	return nil
}
