package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

// fakeCommitter records every CommitMessages call instead of talking to a
// broker.
type fakeCommitter struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeCommitter) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

// fakeDLQ records every message written to the dead-letter topic.
type fakeDLQ struct {
	mu       sync.Mutex
	messages []kafka.Message
}

func (f *fakeDLQ) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msgs...)
	return nil
}

func (f *fakeDLQ) Close() error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestProcessExhaustsRetriesThenDLQsThenAdvancesOffset(t *testing.T) {
	var handlerCalls int
	handlerErr := errors.New("handler: downstream unavailable")
	handler := func(ctx context.Context, msg kafka.Message) error {
		handlerCalls++
		return handlerErr
	}

	committer := &fakeCommitter{}
	dlq := &fakeDLQ{}
	c := &Consumer{
		cfg: Config{
			GroupID:    "test-group",
			Topic:      "test-topic",
			MaxRetries: 3,
			RetryBase:  time.Millisecond,
		},
		committer: committer,
		dlq:       dlq,
		handler:   handler,
		log:       testLogger(),
	}

	msg := kafka.Message{Key: []byte("principal-1"), Value: []byte(`{"event_id":"e1"}`)}
	err := c.process(context.Background(), msg)
	require.NoError(t, err)

	// One initial attempt plus MaxRetries retries.
	require.Equal(t, 4, handlerCalls)

	require.Len(t, dlq.messages, 1)
	var rec dlqRecord
	require.NoError(t, json.Unmarshal(dlq.messages[0].Value, &rec))
	require.Equal(t, "test-group", rec.ConsumerGroup)
	require.Equal(t, "test-topic", rec.SourceTopic)
	require.Equal(t, 3, rec.RetryCount)
	require.Equal(t, handlerErr.Error(), rec.Error)
	require.WithinDuration(t, time.Now().UTC(), rec.FailedAt, time.Minute)
	require.Equal(t, msg.Value, rec.OriginalValue)

	// The poison message's offset is still committed so the partition
	// advances past it instead of being wedged.
	require.Equal(t, 1, committer.calls)
}

func TestProcessSucceedsWithoutRetry(t *testing.T) {
	var handlerCalls int
	handler := func(ctx context.Context, msg kafka.Message) error {
		handlerCalls++
		return nil
	}

	committer := &fakeCommitter{}
	dlq := &fakeDLQ{}
	c := &Consumer{
		cfg:       Config{GroupID: "test-group", Topic: "test-topic", MaxRetries: 3, RetryBase: time.Millisecond},
		committer: committer,
		dlq:       dlq,
		handler:   handler,
		log:       testLogger(),
	}

	err := c.process(context.Background(), kafka.Message{Value: []byte("ok")})
	require.NoError(t, err)
	require.Equal(t, 1, handlerCalls)
	require.Empty(t, dlq.messages)
	require.Equal(t, 1, committer.calls)
}

func TestProcessRecoversWithinRetryBudget(t *testing.T) {
	var handlerCalls int
	handler := func(ctx context.Context, msg kafka.Message) error {
		handlerCalls++
		if handlerCalls < 3 {
			return errors.New("transient failure")
		}
		return nil
	}

	committer := &fakeCommitter{}
	dlq := &fakeDLQ{}
	c := &Consumer{
		cfg:       Config{GroupID: "test-group", Topic: "test-topic", MaxRetries: 3, RetryBase: time.Millisecond},
		committer: committer,
		dlq:       dlq,
		handler:   handler,
		log:       testLogger(),
	}

	err := c.process(context.Background(), kafka.Message{Value: []byte("eventually ok")})
	require.NoError(t, err)
	require.Equal(t, 3, handlerCalls)
	require.Empty(t, dlq.messages)
	require.Equal(t, 1, committer.calls)
}

func TestSendToDLQWithoutConfiguredTopicReturnsError(t *testing.T) {
	c := &Consumer{
		cfg: Config{GroupID: "test-group", Topic: "test-topic"},
		log: testLogger(),
	}
	err := c.sendToDLQ(context.Background(), kafka.Message{}, errors.New("boom"), 4)
	require.Error(t, err)
}
