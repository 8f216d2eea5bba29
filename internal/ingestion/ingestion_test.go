package ingestion

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/orientlog/internal/models"
	"github.com/orientlog/internal/mqttclient"
	"github.com/orientlog/internal/storage"
)

type harness struct {
	svc  *Service
	log  *storage.CSVLog
	out  *bytes.Buffer
	logs *observer.ObservedLogs
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	l := storage.NewCSVLog(filepath.Join(t.TempDir(), "mpu6050_log.csv"))
	require.NoError(t, l.Init())

	core, logs := observer.New(zapcore.DebugLevel)
	out := &bytes.Buffer{}
	opts = append([]Option{WithOutput(out), WithLogger(zap.New(core))}, opts...)
	return &harness{svc: New(l, opts...), log: l, out: out, logs: logs}
}

func (h *harness) rows(t *testing.T) [][]string {
	t.Helper()
	rows, err := h.log.Rows()
	require.NoError(t, err)
	return rows
}

func TestHandle_ValidMessage(t *testing.T) {
	h := newHarness(t)

	err := h.svc.Handle([]byte(`{"timestamp": "2024-01-01T00:00:00Z", "pitch": 1.5, "roll": -2.3, "yaw": 10.0}`))
	require.NoError(t, err)

	line := h.out.String()
	assert.Contains(t, line, "1.5")
	assert.Contains(t, line, "-2.3")
	assert.Contains(t, line, "10.0")

	rows := h.rows(t)
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"2024-01-01T00:00:00Z", "1.5", "-2.3", "10.0"}, rows[0])
	assert.Equal(t, Stats{Received: 1, Stored: 1}, h.svc.Stats())
}

func TestHandle_MissingTimestampIsDropped(t *testing.T) {
	h := newHarness(t)

	err := h.svc.Handle([]byte(`{"pitch": 1.0, "roll": 2.0, "yaw": 3.0}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrMissingField))

	assert.Empty(t, h.rows(t))
	assert.Empty(t, h.out.String())
	require.Equal(t, 1, h.logs.FilterMessage("dropping message").Len())

	// the next message is still accepted
	require.NoError(t, h.svc.Handle([]byte(`{"timestamp": "t1", "pitch": 1.0, "roll": 2.0, "yaw": 3.0}`)))
	assert.Len(t, h.rows(t), 1)
	assert.Equal(t, Stats{Received: 2, Stored: 1, Dropped: 1}, h.svc.Stats())
}

func TestHandle_InvalidPayloadsLeaveLogUnchanged(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.svc.Handle([]byte(`{"timestamp": "t0", "pitch": 0, "roll": 0, "yaw": 0}`)))

	payloads := []string{
		`{"timestamp": "t", "roll": 2.0, "yaw": 3.0}`,
		`{"timestamp": "t", "pitch": 1.0, "yaw": 3.0}`,
		`{"timestamp": "t", "pitch": 1.0, "roll": 2.0}`,
		`not json at all`,
		"\xff\xfe",
		``,
	}
	for _, p := range payloads {
		assert.Error(t, h.svc.Handle([]byte(p)), p)
		assert.Len(t, h.rows(t), 1, p)
	}
	assert.Equal(t, len(payloads), h.logs.FilterMessage("dropping message").Len())
}

func TestHandle_KeepsDeliveryOrder(t *testing.T) {
	h := newHarness(t)

	const k = 20
	for i := 0; i < k; i++ {
		payload := fmt.Sprintf(`{"timestamp": %d, "pitch": %d.5, "roll": 0, "yaw": 0}`, i, i)
		require.NoError(t, h.svc.Handle([]byte(payload)))
	}

	rows := h.rows(t)
	require.Len(t, rows, k)
	for i, row := range rows {
		assert.Equal(t, fmt.Sprint(i), row[0])
		assert.Equal(t, fmt.Sprintf("%d.5", i), row[1])
	}
}

type failingStore struct{}

func (failingStore) Persist(models.Reading) error { return errors.New("disk full") }

func TestHandle_PersistFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	svc := New(failingStore{}, WithOutput(&bytes.Buffer{}), WithLogger(zap.New(core)))

	err := svc.Handle([]byte(`{"timestamp": "t", "pitch": 1, "roll": 2, "yaw": 3}`))
	require.Error(t, err)
	assert.Equal(t, 1, logs.FilterMessage("persist failed").Len())
	assert.Equal(t, Stats{Received: 1, Failed: 1}, svc.Stats())
}

type recordingSink struct{ got []models.Reading }

func (s *recordingSink) Publish(r models.Reading) { s.got = append(s.got, r) }

func TestHandle_PublishesStoredReadingsOnly(t *testing.T) {
	sink := &recordingSink{}
	h := newHarness(t, WithSink(sink))

	require.NoError(t, h.svc.Handle([]byte(`{"timestamp": "a", "pitch": 1, "roll": 2, "yaw": 3}`)))
	require.Error(t, h.svc.Handle([]byte(`{"timestamp": "b"}`)))

	require.Len(t, sink.got, 1)
	assert.Equal(t, "a", sink.got[0].Timestamp)
}

func TestRun_ConsumesUntilClosed(t *testing.T) {
	h := newHarness(t)
	msgs := make(chan mqttclient.Message, 4)
	msgs <- mqttclient.Message{Payload: []byte(`{"timestamp": "1", "pitch": 1, "roll": 1, "yaw": 1}`)}
	msgs <- mqttclient.Message{Payload: []byte(`{"pitch": 1, "roll": 1, "yaw": 1}`)}
	msgs <- mqttclient.Message{Payload: []byte(`{"timestamp": "2", "pitch": 2, "roll": 2, "yaw": 2}`)}
	close(msgs)

	require.NoError(t, h.svc.Run(context.Background(), msgs))

	rows := h.rows(t)
	require.Len(t, rows, 2)
	assert.Equal(t, "1", rows[0][0])
	assert.Equal(t, "2", rows[1][0])
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	msgs := make(chan mqttclient.Message)

	done := make(chan error, 1)
	go func() { done <- h.svc.Run(ctx, msgs) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

type subscription struct {
	topic string
	qos   byte
}

type fakeSession struct {
	subs    []subscription
	handler mqtt.MessageHandler
	err     error
}

func (f *fakeSession) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error {
	f.subs = append(f.subs, subscription{topic, qos})
	f.handler = handler
	return f.err
}

type deliveredMessage struct {
	mqtt.Message
	payload []byte
}

func (m deliveredMessage) Topic() string   { return "mpu6050/test/data" }
func (m deliveredMessage) Payload() []byte { return m.payload }

func TestConnectHandler_SubscribesOnEverySession(t *testing.T) {
	h := newHarness(t)
	msgs := make(chan mqttclient.Message, 1)
	onConnect := h.svc.ConnectHandler(context.Background(), "mpu6050/test/data", 1, msgs)

	session := &fakeSession{}
	onConnect(session)
	onConnect(session) // reconnect

	want := subscription{"mpu6050/test/data", 1}
	assert.Equal(t, []subscription{want, want}, session.subs)
	assert.Equal(t, 2, h.logs.FilterMessage("connected, subscribing").Len())
	assert.Equal(t, 2, h.logs.FilterMessage("subscribed").Len())

	session.handler(nil, deliveredMessage{payload: []byte(`{"timestamp": "t"}`)})
	m := <-msgs
	assert.Equal(t, "mpu6050/test/data", m.Topic)
	assert.Equal(t, `{"timestamp": "t"}`, string(m.Payload))
}

func TestConnectHandler_LogsSubscribeFailure(t *testing.T) {
	h := newHarness(t)
	onConnect := h.svc.ConnectHandler(context.Background(), "mpu6050/test/data", 0, make(chan mqttclient.Message))

	onConnect(&fakeSession{err: errors.New("not authorized")})

	failures := h.logs.FilterMessage("subscribe failed").All()
	require.Len(t, failures, 1)
	assert.Equal(t, "mpu6050/test/data", failures[0].ContextMap()["topic"])
	assert.Equal(t, "not authorized", failures[0].ContextMap()["error"])
	assert.Zero(t, h.logs.FilterMessage("subscribed").Len())
}
