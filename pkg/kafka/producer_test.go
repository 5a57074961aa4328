package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/logging"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestParseBrokers(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, ParseBrokers(" a:9092, b:9092 ,"))
	assert.Nil(t, ParseBrokers(""))
}

func TestPublishJSON(t *testing.T) {
	writer := &fakeWriter{}
	producer := NewProducerWithWriter(writer, "fern.records", logging.Discard())

	err := producer.PublishJSON(context.Background(), "1:Issue", map[string]string{"type": "records.changed"}, map[string]any{"model": "Issue"})
	require.NoError(t, err)
	require.Len(t, writer.messages, 1)

	msg := writer.messages[0]
	assert.Equal(t, "1:Issue", string(msg.Key))
	var body map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &body))
	assert.Equal(t, "Issue", body["model"])
	require.NotEmpty(t, msg.Headers)
	assert.Equal(t, "type", msg.Headers[0].Key)
	assert.Equal(t, "records.changed", string(msg.Headers[0].Value))

	require.NoError(t, producer.Close())
	assert.True(t, writer.closed)
}

func TestPublishJSON_Errors(t *testing.T) {
	writer := &fakeWriter{err: errors.New("broker down")}
	producer := NewProducerWithWriter(writer, "fern.records", logging.Discard())

	assert.EqualError(t, producer.PublishJSON(context.Background(), "k", nil, map[string]any{}), "broker down")
	assert.Error(t, producer.PublishJSON(context.Background(), "k", nil, make(chan int)))
}
