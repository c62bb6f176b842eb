package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/config"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/frame"
)

type fakeToken struct {
	err     error
	timeout bool
}

func (t *fakeToken) Wait() bool                     { return !t.timeout }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.timeout }
func (t *fakeToken) Error() error                   { return t.err }

func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	if !t.timeout {
		close(ch)
	}
	return ch
}

type published struct {
	topic   string
	qos     byte
	payload []byte
}

// fakeClient records publishes. Methods the emitter never calls panic
// through the nil embedded interface.
type fakeClient struct {
	mqtt.Client

	mu          sync.Mutex
	connected   bool
	connectErr  error
	publishErr  error
	timeout     bool
	msgs        []published
	disconnects int
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr == nil {
		c.connected = true
	}
	return &fakeToken{err: c.connectErr}
}

func (c *fakeClient) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr == nil && !c.timeout {
		c.msgs = append(c.msgs, published{topic: topic, qos: qos, payload: payload.([]byte)})
	}
	return &fakeToken{err: c.publishErr, timeout: c.timeout}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnects++
}

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{Broker: "localhost:1883", Topic: "capturepipe/results", ClientID: "test", QoS: 1}
}

func completedFrame(t *testing.T) *frame.Frame {
	t.Helper()
	f, err := frame.New(7, "preview", []frame.EntitySpec{
		{Stage: 0, Name: "SENSOR", Kind: frame.KindOutputOnly, Ports: 1, Requested: true},
		{Stage: 1, Name: "ISP", Ports: 2, Requested: true},
		{Stage: 2, Name: "VRA", Ports: 0},
	})
	require.NoError(t, err)

	require.NoError(t, f.Begin(0))
	require.NoError(t, f.SetAllDstBufferState(0, frame.BufferComplete))
	require.NoError(t, f.Complete(0, frame.EntityDone, nil))

	require.NoError(t, f.Begin(1))
	require.NoError(t, f.SetDstBufferState(1, 0, frame.BufferComplete))
	require.NoError(t, f.SetDstBufferState(1, 1, frame.BufferError))
	require.NoError(t, f.Complete(1, frame.EntityError, errors.New("isp: tuning table missing")))

	f.AttachMeta("exposure", map[string]int{"us": 8000})
	return f
}

// --- Test 1: result snapshot ---

func TestFromFrame(t *testing.T) {
	f := completedFrame(t)
	r := FromFrame(f)

	assert.Equal(t, uint64(7), r.Frame)
	assert.Equal(t, f.TraceID(), r.TraceID)
	assert.Equal(t, "preview", r.Variant)
	assert.True(t, r.Complete)
	assert.True(t, r.Failed)
	require.Len(t, r.Stages, 3)

	assert.Equal(t, "SENSOR", r.Stages[0].Name)
	assert.Equal(t, frame.EntityDone.String(), r.Stages[0].State)
	assert.Empty(t, r.Stages[0].Error)

	isp := r.Stages[1]
	assert.Equal(t, frame.EntityError.String(), isp.State)
	assert.Equal(t, "isp: tuning table missing", isp.Error)
	assert.Equal(t, []string{frame.BufferComplete.String(), frame.BufferError.String()}, isp.Dst)

	assert.False(t, r.Stages[2].Requested)
	assert.Contains(t, r.Meta, "exposure")

	data, err := r.ToJSON()
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "preview", decoded["variant"])
	assert.Len(t, decoded["stages"], 3)
}

func TestResult_Encode(t *testing.T) {
	r := FromFrame(completedFrame(t))

	data, err := r.Encode(EncodingMsgpack)
	require.NoError(t, err)
	var decoded Result
	require.NoError(t, msgpack.Unmarshal(data, &decoded))
	assert.Equal(t, r.Frame, decoded.Frame)
	assert.Equal(t, r.TraceID, decoded.TraceID)
	require.Len(t, decoded.Stages, 3)
	assert.Equal(t, "isp: tuning table missing", decoded.Stages[1].Error)

	_, err = r.Encode("xml")
	assert.Error(t, err)
}

// --- Test 2: publish routing ---

func TestMQTTEmitter_Publish(t *testing.T) {
	client := &fakeClient{}
	e := NewWithClient(testConfig(), client, nil)

	err := e.Publish(completedFrame(t))
	assert.Error(t, err, "publish before connect")

	require.NoError(t, e.Connect(context.Background()))
	require.NoError(t, e.Publish(completedFrame(t)))
	require.NoError(t, e.Publish(completedFrame(t)))

	require.Len(t, client.msgs, 2)
	assert.Equal(t, "capturepipe/results/preview", client.msgs[0].topic)
	assert.Equal(t, byte(1), client.msgs[0].qos)

	var r Result
	require.NoError(t, json.Unmarshal(client.msgs[0].payload, &r))
	assert.Equal(t, uint64(7), r.Frame)

	stats := e.Stats()
	assert.True(t, stats.Connected)
	assert.Equal(t, uint64(2), stats.Published["capturepipe/results/preview"])
	assert.Equal(t, uint64(1), stats.Errors)

	e.Close()
	assert.Equal(t, 1, client.disconnects)
	assert.False(t, e.Stats().Connected)
}

func TestMQTTEmitter_Msgpack(t *testing.T) {
	cfg := testConfig()
	cfg.Encoding = EncodingMsgpack
	client := &fakeClient{connected: true}
	e := NewWithClient(cfg, client, nil)

	require.NoError(t, e.Publish(completedFrame(t)))
	require.Len(t, client.msgs, 1)

	var r Result
	require.NoError(t, msgpack.Unmarshal(client.msgs[0].payload, &r))
	assert.Equal(t, "preview", r.Variant)
	assert.True(t, r.Failed)
}

// --- Test 3: broker failures ---

func TestMQTTEmitter_Failures(t *testing.T) {
	ctx := context.Background()

	refused := NewWithClient(testConfig(), &fakeClient{connectErr: errors.New("connection refused")}, nil)
	assert.ErrorContains(t, refused.Connect(ctx), "connection refused")

	failing := &fakeClient{connected: true, publishErr: errors.New("not authorized")}
	e := NewWithClient(testConfig(), failing, nil)
	assert.ErrorContains(t, e.Publish(completedFrame(t)), "not authorized")

	slow := &fakeClient{connected: true, timeout: true}
	e2 := NewWithClient(testConfig(), slow, nil)
	assert.ErrorContains(t, e2.Publish(completedFrame(t)), "timeout")

	assert.Equal(t, uint64(1), e.Stats().Errors)
	assert.Equal(t, uint64(1), e2.Stats().Errors)
	assert.Empty(t, failing.msgs)
}

func TestMQTTEmitter_ConnectCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	hung := &hungClient{}
	e := NewWithClient(testConfig(), hung, nil)
	assert.ErrorIs(t, e.Connect(ctx), context.Canceled)
}

type hungClient struct{ fakeClient }

func (c *hungClient) Connect() mqtt.Token { return &fakeToken{timeout: true} }
