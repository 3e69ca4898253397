package events

import (
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/genesistracer/tracer/accounts"
	"github.com/genesistracer/tracer/resolver"
	"github.com/packethost/pkg/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Setenv("PACKET_ENV", "test")
	os.Setenv("PACKET_VERSION", "0")
	os.Setenv("ROLLBAR_DISABLE", "1")
	os.Setenv("ROLLBAR_TOKEN", "1")

	os.Exit(m.Run())
}

type token struct {
	err  error
	done chan struct{}
}

func doneToken(err error) *token {
	t := &token{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *token) Wait() bool                     { <-t.done; return true }
func (t *token) WaitTimeout(time.Duration) bool { return true }
func (t *token) Done() <-chan struct{}          { return t.done }
func (t *token) Error() error                   { return t.err }

type message struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeClient struct {
	mu           sync.Mutex
	err          error
	sent         []message
	disconnected bool
}

func (f *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, message{topic, qos, retained, payload.([]byte)})
	return doneToken(f.err)
}

func (f *fakeClient) Disconnect(uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
}

func (f *fakeClient) messages() []message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]message(nil), f.sent...)
}

func TestPublish(t *testing.T) {
	assert := require.New(t)
	fc := &fakeClient{}
	published := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_events_total"}, []string{"event", "result"})
	m := newMQTT(fc, "/site-7/", []Option{Published(published), Logger(log.Test(t, "github.com/genesistracer/tracer/events"))})

	m.Lookup(resolver.Result{Success: true, MAC: "AABBCCDDEEFF", IP: "10.0.0.5"})
	m.Lookup(resolver.Result{Kind: resolver.KindInvalidInput})
	m.Login(accounts.LoginEntry{ID: "id-1", Phone: "0501", IP: "192.0.2.7"})

	sent := fc.messages()
	assert.Len(sent, 2)

	assert.Equal("site-7/lookup/AABBCCDDEEFF", sent[0].topic)
	assert.Equal(byte(1), sent[0].qos)
	assert.False(sent[0].retained)
	var lookup map[string]interface{}
	assert.NoError(json.Unmarshal(sent[0].payload, &lookup))
	assert.Equal(true, lookup["success"])
	assert.Equal("10.0.0.5", lookup["ip"])
	assert.NotEmpty(lookup["at"])

	assert.Equal("site-7/login/0501", sent[1].topic)
	var login map[string]interface{}
	assert.NoError(json.Unmarshal(sent[1].payload, &login))
	assert.Equal("0501", login["phoneNumber"])
	assert.Equal("192.0.2.7", login["ip"])

	assert.Eventually(func() bool {
		return testutil.ToFloat64(published.With(prometheus.Labels{"event": "lookup", "result": "ok"})) == 1 &&
			testutil.ToFloat64(published.With(prometheus.Labels{"event": "login", "result": "ok"})) == 1
	}, time.Second, 5*time.Millisecond)

	m.Close()
	assert.True(fc.disconnected)
}

func TestPublishFailure(t *testing.T) {
	assert := require.New(t)
	fc := &fakeClient{err: errors.New("not connected")}
	published := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_events_total"}, []string{"event", "result"})
	m := newMQTT(fc, "", []Option{Published(published)})

	m.Login(accounts.LoginEntry{Phone: "0501"})
	assert.Equal("tracer/login/0501", fc.messages()[0].topic)
	assert.Eventually(func() bool {
		return testutil.ToFloat64(published.With(prometheus.Labels{"event": "login", "result": "error"})) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestConnectRequiresBroker(t *testing.T) {
	_, err := Connect(Config{})
	require.Error(t, err)
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	p.Lookup(resolver.Result{MAC: "AABBCCDDEEFF"})
	p.Login(accounts.LoginEntry{Phone: "0501"})
	p.Close()
}
