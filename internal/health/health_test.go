package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-defect-station/internal/trigger"
)

func staticCheck(name string, status Status) Checker {
	return CheckFunc{CheckName: name, Fn: func(context.Context) CheckResult { return CheckResult{Status: status} }}
}

func TestRegistry_Report(t *testing.T) {
	testCases := []struct {
		name      string
		trigger   trigger.HealthStatus
		check     Status
		want      Status
		wantReady bool
	}{
		{name: "all_healthy", trigger: trigger.HealthHealthy, check: StatusHealthy, want: StatusHealthy, wantReady: true},
		{name: "trigger_unhealthy_degrades", trigger: trigger.HealthUnhealthy, check: StatusHealthy, want: StatusDegraded, wantReady: true},
		{name: "check_degraded", trigger: trigger.HealthHealthy, check: StatusDegraded, want: StatusDegraded, wantReady: true},
		{name: "check_unhealthy", trigger: trigger.HealthUnhealthy, check: StatusUnhealthy, want: StatusUnhealthy, wantReady: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			reg := NewRegistry("dev-1")
			reg.RegisterChecker(staticCheck("mqtt", tc.check))
			reg.ReportHealth("wf-1", trigger.Health{Status: tc.trigger, Updated: time.Now()})

			rep := reg.Report(context.Background())
			assert.Equal(t, tc.want, rep.Status)
			assert.Equal(t, tc.wantReady, rep.Ready)
			assert.Equal(t, "dev-1", rep.DeviceID)
			require.Contains(t, rep.Workflows, "wf-1")
			assert.Equal(t, tc.trigger.String(), rep.Workflows["wf-1"].Status)
		})
	}
}

func TestRegistry_RemoveWorkflow(t *testing.T) {
	reg := NewRegistry("dev-1")
	reg.ReportHealth("wf-1", trigger.Health{Status: trigger.HealthUnhealthy, ErrorKind: trigger.ErrKindReadFailed})

	h, ok := reg.Workflow("wf-1")
	require.True(t, ok)
	assert.Equal(t, trigger.ErrKindReadFailed, h.ErrorKind)

	reg.Remove("wf-1")
	_, ok = reg.Workflow("wf-1")
	assert.False(t, ok)
	assert.Equal(t, StatusHealthy, reg.Report(context.Background()).Status)
}

func TestRouter(t *testing.T) {
	reg := NewRegistry("dev-1")
	reg.RegisterChecker(staticCheck("mqtt", StatusUnhealthy))
	srv := httptest.NewServer(NewRouter(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/readiness")
	require.NoError(t, err)
	var rep Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rep))
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.False(t, rep.Ready)
	assert.Equal(t, StatusUnhealthy, rep.Checks["mqtt"].Status)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_RunStopsOnCancel(t *testing.T) {
	s := NewServer("127.0.0.1:0", NewRegistry("dev-1"))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{}          { return closedCh }
func (doneToken) Error() error                   { return nil }

type published struct {
	topic    string
	retained bool
	payload  []byte
}

// recordingClient implements only what the publisher calls.
type recordingClient struct {
	mqtt.Client
	connected bool

	mu   sync.Mutex
	msgs []published
}

func (c *recordingClient) IsConnected() bool      { return c.connected }
func (c *recordingClient) IsConnectionOpen() bool { return c.connected }

func (c *recordingClient) Publish(topic string, _ byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, published{topic: topic, retained: retained, payload: payload.([]byte)})
	return doneToken{}
}

func TestMQTTPublisher_ViaRegistry(t *testing.T) {
	client := &recordingClient{connected: true}
	reg := NewRegistry("dev-1")
	reg.AddListener(NewMQTTPublisher(client, "dev-1", "", 1))

	reg.ReportHealth("wf-1", trigger.Health{Status: trigger.HealthUnhealthy, ErrorKind: trigger.ErrKindLineInvalid, Updated: time.Now()})

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, client.msgs, 1)
	msg := client.msgs[0]
	assert.Equal(t, "defect/dev-1/health/wf-1", msg.topic)
	assert.True(t, msg.retained)

	var body healthMessage
	require.NoError(t, json.Unmarshal(msg.payload, &body))
	assert.Equal(t, "wf-1", body.WorkflowID)
	assert.Equal(t, trigger.HealthUnhealthy.String(), body.Status)
	assert.Equal(t, trigger.ErrKindLineInvalid, body.ErrorKind)
}

func TestMQTTPublisher_DisconnectedDrops(t *testing.T) {
	client := &recordingClient{}
	NewMQTTPublisher(client, "dev-1", "plant/health", 0).Publish("wf-1", trigger.Health{Status: trigger.HealthHealthy})
	assert.Empty(t, client.msgs)
	assert.Equal(t, StatusDegraded, BrokerCheck(client).Check(context.Background()).Status)
}
