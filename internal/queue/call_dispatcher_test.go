package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type recordingWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func TestDispatchCallKeysByAttempt(t *testing.T) {
	w := &recordingWriter{}
	d := &CallDispatcher{writer: w}
	attemptID := uuid.New()

	err := d.DispatchCall(context.Background(), DispatchMessage{
		AttemptID:   &attemptID,
		CampaignID:  uuid.New(),
		PhoneNumber: "+15550100",
		Metadata:    map[string]string{"attempt_id": attemptID.String()},
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	assert.Equal(t, attemptID[:], w.msgs[0].Key)

	var decoded DispatchMessage
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	require.NotNil(t, decoded.AttemptID)
	assert.Equal(t, attemptID, *decoded.AttemptID)
	assert.Nil(t, decoded.SessionID)
	assert.False(t, decoded.EnqueuedAt.IsZero())
}

func TestDispatchCallWrapsWriterError(t *testing.T) {
	boom := errors.New("broker down")
	d := &CallDispatcher{writer: &recordingWriter{err: boom}}
	sessionID := uuid.New()

	err := d.DispatchCall(context.Background(), DispatchMessage{SessionID: &sessionID})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestOutcomeKeyFallsBackToExternalCallID(t *testing.T) {
	msg := CallOutcomeMessage{ExternalCallID: "call_123"}
	assert.Equal(t, []byte("call_123"), msg.Key())
}

func TestPublishCarriesTraceContext(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x4b, 0xf9, 0x2f, 0x35, 0x77, 0xb3, 0x4d, 0xa6, 0xa3, 0xce, 0x92, 0x9d, 0x0e, 0x0e, 0x47, 0x36},
		SpanID:     trace.SpanID{0x00, 0xf0, 0x67, 0xaa, 0x0b, 0xa9, 0x02, 0xb7},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	w := &recordingWriter{}
	p := &OutcomePublisher{writer: w}
	attemptID := uuid.New()
	require.NoError(t, p.PublishOutcome(ctx, CallOutcomeMessage{AttemptID: &attemptID, Status: "completed"}))
	require.Len(t, w.msgs, 1)

	record := w.msgs[0]
	assert.Equal(t, "call.outcome", headerCarrier{msg: &record}.Get("message-type"))
	assert.NotEmpty(t, headerCarrier{msg: &record}.Get("traceparent"))

	got := trace.SpanContextFromContext(ExtractTrace(context.Background(), record))
	assert.Equal(t, sc.TraceID(), got.TraceID())
	assert.Equal(t, sc.SpanID(), got.SpanID())
	assert.True(t, got.IsRemote())
}
