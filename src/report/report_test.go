package report

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var cycleTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testCycle() Cycle {
	return Cycle{
		Time: cycleTime,
		Quantities: []Result{
			{
				Name:        "ec",
				Sensors:     []string{"ec1", "ec2", "ec3", "tds1"},
				Batch:       []float32{1175, 1178, 1176, 1180},
				Estimate:    1177,
				Uncertainty: 0.0215,
			},
			{
				Name:        "ph",
				Sensors:     []string{"ph1", "ph2"},
				Batch:       []float32{6.8, 6.9},
				Estimate:    6.85,
				Uncertainty: 0.001,
				Degraded:    true,
			},
		},
	}
}

type recordingSink struct {
	cycles []Cycle
	err    error
}

func (s *recordingSink) Publish(c Cycle) error {
	s.cycles = append(s.cycles, c)
	return s.err
}

func TestPublisherFanOut(t *testing.T) {
	good := &recordingSink{}
	bad := &recordingSink{err: errors.New("broker down")}
	last := &recordingSink{}

	pub := NewPublisher(good, bad)
	pub.Add(last)

	err := pub.Publish(testCycle())
	assert.ErrorContains(t, err, "1 of 3 sinks failed")
	assert.Len(t, good.cycles, 1)
	assert.Len(t, bad.cycles, 1)
	assert.Len(t, last.cycles, 1, "a failing sink must not stop later sinks")

	good.err, bad.err = nil, nil
	assert.NoError(t, pub.Publish(testCycle()))
}

func TestCycleLookup(t *testing.T) {
	c := testCycle()
	r, ok := c.Lookup("ph")
	require.True(t, ok)
	assert.Equal(t, float32(6.85), r.Estimate)

	_, ok = c.Lookup("orp")
	assert.False(t, ok)
}

func TestSnapshotJSON(t *testing.T) {
	snap := testCycle().Snapshot()

	data, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ec":1177,"ph":6.85,"timestamp":"2024-05-01T12:00:00Z"}`, string(data))

	var back Snapshot
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, snap.Values, back.Values)
	assert.True(t, snap.Timestamp.Equal(back.Timestamp))

	assert.Error(t, json.Unmarshal([]byte(`{"ph":"acidic"}`), &back))
	assert.Error(t, json.Unmarshal([]byte(`{"timestamp":"yesterday"}`), &back))
}

func TestLatestMerge(t *testing.T) {
	l := NewLatest()
	require.NoError(t, l.Publish(testCycle()))

	later := cycleTime.Add(time.Minute)
	require.NoError(t, l.Publish(Cycle{
		Time:       later,
		Quantities: []Result{{Name: "ph", Estimate: 6.5}},
	}))

	got := l.Get()
	assert.Equal(t, float32(1177), got.Values["ec"], "quantities missing from a cycle keep their last value")
	assert.Equal(t, float32(6.5), got.Values["ph"])
	assert.Equal(t, cycleTime, got.Timestamp, "the stale ec value keeps the snapshot at its time")
	updated, ok := l.Updated("ph")
	assert.True(t, ok)
	assert.Equal(t, later, updated)
	_, ok = l.Updated("orp")
	assert.False(t, ok)

	require.NoError(t, l.Publish(Cycle{Time: later.Add(time.Minute)}))
	assert.Equal(t, cycleTime, l.Get().Timestamp, "a cycle without readings changes nothing")

	latest := later.Add(2 * time.Minute)
	require.NoError(t, l.Publish(Cycle{
		Time:       latest,
		Quantities: []Result{{Name: "ec", Estimate: 1180}},
	}))
	got = l.Get()
	assert.Equal(t, later, got.Timestamp)
	assert.Equal(t, float32(1180), got.Values["ec"])

	got.Values["ec"] = 0
	assert.Equal(t, float32(1180), l.Get().Values["ec"], "Get must return a copy")
}

type fakeToken struct {
	err     error
	timeout bool
}

func (t *fakeToken) Wait() bool                     { return !t.timeout }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.timeout }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeClient struct {
	sent  []published
	token *fakeToken
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.sent = append(c.sent, published{topic, qos, retained, payload.([]byte)})
	return c.token
}

func TestMQTTPublish(t *testing.T) {
	client := &fakeClient{token: &fakeToken{}}
	sink := newMQTT(client, MQTTConfig{TopicPrefix: "hydro", QoS: 1, Retained: true})

	require.NoError(t, sink.Publish(testCycle()))
	require.Len(t, client.sent, 2)
	assert.Equal(t, "hydro/ec", client.sent[0].topic)
	assert.Equal(t, "hydro/ph", client.sent[1].topic)
	assert.Equal(t, byte(1), client.sent[0].qos)
	assert.True(t, client.sent[0].retained)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(client.sent[1].payload, &msg))
	assert.Equal(t, "ph", msg["quantity"])
	assert.Equal(t, true, msg["degraded"])
	assert.Equal(t, "2024-05-01T12:00:00Z", msg["timestamp"])
	assert.Len(t, msg["readings"], 2)
}

func TestMQTTPublishErrors(t *testing.T) {
	client := &fakeClient{token: &fakeToken{err: errors.New("not connected")}}
	sink := newMQTT(client, MQTTConfig{TopicPrefix: "hydro"})
	assert.ErrorContains(t, sink.Publish(testCycle()), "hydro/ec")
	assert.Len(t, client.sent, 1, "publishing stops at the first failure")

	client = &fakeClient{token: &fakeToken{timeout: true}}
	sink = newMQTT(client, MQTTConfig{TopicPrefix: "hydro"})
	assert.ErrorContains(t, sink.Publish(testCycle()), "timed out")
}

type fakeConn struct {
	token        *fakeToken
	disconnected int
}

func (c *fakeConn) Connect() mqtt.Token     { return c.token }
func (c *fakeConn) Disconnect(quiesce uint) { c.disconnected++ }

type dialer struct {
	tokens []*fakeToken
	conns  []*fakeConn
	sleeps []time.Duration
}

func (d *dialer) newClient() connector {
	c := &fakeConn{token: d.tokens[len(d.conns)]}
	d.conns = append(d.conns, c)
	return c
}

func (d *dialer) sleep(dur time.Duration) { d.sleeps = append(d.sleeps, dur) }

func TestDialRetries(t *testing.T) {
	config := MQTTConfig{BrokerURL: "tcp://broker:1883", MaxRetries: 3, RetryInterval: time.Second}

	d := &dialer{tokens: []*fakeToken{{err: errors.New("refused")}, {}, {}}}
	c, err := dial(config, d.newClient, d.sleep)
	require.NoError(t, err)
	require.Len(t, d.conns, 2)
	assert.Same(t, d.conns[1], c)
	assert.Equal(t, 1, d.conns[0].disconnected, "a failed client is torn down")
	assert.Equal(t, 0, d.conns[1].disconnected)
	assert.Equal(t, []time.Duration{time.Second}, d.sleeps)
}

func TestDialGivesUp(t *testing.T) {
	config := MQTTConfig{BrokerURL: "tcp://broker:1883", MaxRetries: 3, RetryInterval: time.Second}

	d := &dialer{tokens: []*fakeToken{{timeout: true}, {timeout: true}, {timeout: true}}}
	_, err := dial(config, d.newClient, d.sleep)
	assert.ErrorContains(t, err, "timed out")
	assert.ErrorContains(t, err, "tcp://broker:1883")
	require.Len(t, d.conns, 3)
	for _, c := range d.conns {
		assert.Equal(t, 1, c.disconnected)
	}
	assert.Len(t, d.sleeps, 2, "no wait after the last attempt")
}

func TestMetricsPublish(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	require.NoError(t, m.Publish(testCycle()))
	require.NoError(t, m.Publish(testCycle()))

	assert.InDelta(t, 1177, testutil.ToFloat64(m.estimate.WithLabelValues("ec")), 1e-9)
	assert.InDelta(t, 0.001, testutil.ToFloat64(m.uncertainty.WithLabelValues("ph")), 1e-6)
	assert.InDelta(t, 1180, testutil.ToFloat64(m.reading.WithLabelValues("ec", "tds1")), 1e-9)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.degraded.WithLabelValues("ph")))
	assert.Equal(t, 6, testutil.CollectAndCount(m.reading))

	_, err = NewMetrics(reg)
	assert.Error(t, err, "registering twice must fail")
}
