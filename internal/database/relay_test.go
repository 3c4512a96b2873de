package database

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockRedisClient struct {
	mock.Mock
}

func (m *MockRedisClient) XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd {
	mockArgs := m.Called(ctx, args)
	cmd := redis.NewStringCmd(ctx)
	if mockArgs.Get(0) != nil {
		cmd.SetErr(mockArgs.Error(0))
	} else {
		cmd.SetVal("1234567890-0")
	}
	return cmd
}

type MockOutboxRepository struct {
	mock.Mock
}

func (m *MockOutboxRepository) GetPending(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*OutboxEvent), args.Error(1)
}

func (m *MockOutboxRepository) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockOutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, err error) error {
	args := m.Called(ctx, id, err)
	return args.Error(0)
}

func (m *MockOutboxRepository) Counts(ctx context.Context) (OutboxCounts, error) {
	args := m.Called(ctx)
	return args.Get(0).(OutboxCounts), args.Error(1)
}

func tenderEvent(code string) *OutboxEvent {
	return &OutboxEvent{
		ID:            uuid.New(),
		AggregateType: "tender",
		AggregateID:   code,
		EventType:     "TENDER_RELEVANT",
		Payload:       json.RawMessage(`{"code":"` + code + `","score":12}`),
		TargetStream:  DefaultTenderStream,
		CreatedAt:     time.Now(),
	}
}

func TestRelay_ProcessBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes and marks every event", func(t *testing.T) {
		mockRedis := new(MockRedisClient)
		mockOutbox := new(MockOutboxRepository)
		relay := NewRelay(mockOutbox, mockRedis, nil, RelayConfig{BatchSize: 10})

		events := []*OutboxEvent{tenderEvent("1001-1-COT25"), tenderEvent("1002-1-COT25")}
		mockOutbox.On("GetPending", ctx, 10).Return(events, nil)

		for _, event := range events {
			event := event
			mockRedis.On("XAdd", ctx, mock.MatchedBy(func(args *redis.XAddArgs) bool {
				values, _ := args.Values.(map[string]interface{})
				return args.Stream == DefaultTenderStream &&
					values["event_type"] == "TENDER_RELEVANT" &&
					values["aggregate_id"] == event.AggregateID
			})).Return(nil)
			mockOutbox.On("MarkProcessed", ctx, event.ID).Return(nil)
		}

		delivered, err := relay.ProcessBatch(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, delivered)

		mockRedis.AssertExpectations(t)
		mockOutbox.AssertExpectations(t)
	})

	t.Run("redis failure marks the event failed", func(t *testing.T) {
		mockRedis := new(MockRedisClient)
		mockOutbox := new(MockOutboxRepository)
		relay := NewRelay(mockOutbox, mockRedis, nil, RelayConfig{BatchSize: 10})

		event := tenderEvent("1001-1-COT25")
		mockOutbox.On("GetPending", ctx, 10).Return([]*OutboxEvent{event}, nil)
		mockRedis.On("XAdd", ctx, mock.Anything).Return(errors.New("redis connection failed"))
		mockOutbox.On("MarkFailed", ctx, event.ID, mock.MatchedBy(func(err error) bool {
			return err.Error() == "failed to publish to redis: redis connection failed"
		})).Return(nil)

		delivered, err := relay.ProcessBatch(ctx)
		assert.NoError(t, err)
		assert.Equal(t, 0, delivered)

		mockOutbox.AssertNotCalled(t, "MarkProcessed", mock.Anything, mock.Anything)
		mockOutbox.AssertExpectations(t)
	})

	t.Run("empty batch does not touch redis", func(t *testing.T) {
		mockRedis := new(MockRedisClient)
		mockOutbox := new(MockOutboxRepository)
		relay := NewRelay(mockOutbox, mockRedis, nil, RelayConfig{BatchSize: 10})

		mockOutbox.On("GetPending", ctx, 10).Return([]*OutboxEvent{}, nil)

		delivered, err := relay.ProcessBatch(ctx)
		require.NoError(t, err)
		assert.Zero(t, delivered)
		mockRedis.AssertNotCalled(t, "XAdd", mock.Anything, mock.Anything)
	})

	t.Run("outbox read failure is returned", func(t *testing.T) {
		mockRedis := new(MockRedisClient)
		mockOutbox := new(MockOutboxRepository)
		relay := NewRelay(mockOutbox, mockRedis, nil, RelayConfig{BatchSize: 10})

		mockOutbox.On("GetPending", ctx, 10).Return(nil, errors.New("connection refused"))

		_, err := relay.ProcessBatch(ctx)
		assert.Error(t, err)
	})

	t.Run("invalid payload is marked failed", func(t *testing.T) {
		mockRedis := new(MockRedisClient)
		mockOutbox := new(MockOutboxRepository)
		relay := NewRelay(mockOutbox, mockRedis, nil, RelayConfig{BatchSize: 10})

		event := tenderEvent("1001-1-COT25")
		event.Payload = json.RawMessage(`[1,2,3]`)
		mockOutbox.On("GetPending", ctx, 10).Return([]*OutboxEvent{event}, nil)
		mockOutbox.On("MarkFailed", ctx, event.ID, mock.Anything).Return(nil)

		delivered, err := relay.ProcessBatch(ctx)
		require.NoError(t, err)
		assert.Zero(t, delivered)
		mockRedis.AssertNotCalled(t, "XAdd", mock.Anything, mock.Anything)
		mockOutbox.AssertExpectations(t)
	})
}

func TestRelay_Envelope(t *testing.T) {
	ctx := context.Background()
	mockRedis := new(MockRedisClient)
	mockOutbox := new(MockOutboxRepository)
	relay := NewRelay(mockOutbox, mockRedis, nil, RelayConfig{StreamMaxLen: 1000})

	event := tenderEvent("1001-1-COT25")

	mockRedis.On("XAdd", ctx, mock.MatchedBy(func(args *redis.XAddArgs) bool {
		values, _ := args.Values.(map[string]interface{})
		val, ok := values["data"].(string)
		if !ok {
			return false
		}

		var data map[string]interface{}
		if err := json.Unmarshal([]byte(val), &data); err != nil {
			return false
		}
		metadata, ok := data["metadata"].(map[string]interface{})
		if !ok {
			return false
		}
		payload, ok := data["payload"].(map[string]interface{})
		if !ok {
			return false
		}

		return data["type"] == "TENDER_RELEVANT" &&
			data["aggregate_type"] == "tender" &&
			payload["code"] == "1001-1-COT25" &&
			metadata["source"] == relaySource &&
			args.MaxLen == 1000 && args.Approx
	})).Return(nil)

	require.NoError(t, relay.publish(ctx, event))
	mockRedis.AssertExpectations(t)
}

func TestRelay_Start(t *testing.T) {
	mockRedis := new(MockRedisClient)
	mockOutbox := new(MockOutboxRepository)
	relay := NewRelay(mockOutbox, mockRedis, nil, RelayConfig{PollInterval: 20 * time.Millisecond, BatchSize: 10})

	mockOutbox.On("GetPending", mock.Anything, 10).Return([]*OutboxEvent{}, nil).Maybe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- relay.Start(ctx)
	}()

	time.Sleep(60 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop on context cancellation")
	}
}

func TestNextRetryTime(t *testing.T) {
	now := time.Now()
	assert.Equal(t, now.Add(2*time.Second), nextRetryTime(now, 1))
	assert.Equal(t, now.Add(16*time.Second), nextRetryTime(now, 4))
	assert.Equal(t, now.Add(5*time.Minute), nextRetryTime(now, 12))
}
