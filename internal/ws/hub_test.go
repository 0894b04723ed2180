package ws_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/obsidianstack/alertpipe/internal/alerts"
	"github.com/obsidianstack/alertpipe/internal/metrics"
	wsHub "github.com/obsidianstack/alertpipe/internal/ws"
)

const testInterval = 20 * time.Millisecond

// --- helpers ----------------------------------------------------------------

type fakeSource struct {
	mu     sync.Mutex
	active []alerts.Instance
}

func (s *fakeSource) ActiveAlerts() []alerts.Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]alerts.Instance(nil), s.active...)
}

func (s *fakeSource) set(in ...alerts.Instance) {
	s.mu.Lock()
	s.active = in
	s.mu.Unlock()
}

// staticQuerier answers every query with a single point.
type staticQuerier struct{}

func (staticQuerier) Query(q metrics.Query) (*metrics.Result, error) {
	return &metrics.Result{
		MetricName: q.MetricName,
		Data:       []metrics.DataPoint{{Timestamp: time.Now(), Value: 1}},
	}, nil
}

func instance(id string) alerts.Instance {
	return alerts.Instance{
		ID:       id,
		RuleID:   "rule-" + id,
		RuleName: "High CPU",
		Severity: alerts.SeverityCritical,
		State:    alerts.InstanceAlerting,
		Value:    91,
		StartsAt: time.Now(),
	}
}

// startHub serves the hub from a test server and runs its ticker loop.
func startHub(t *testing.T, src wsHub.Source, interval time.Duration) (wsURL string, hub *wsHub.Hub, cancel func()) {
	t.Helper()

	hub = wsHub.New(src, interval)
	ctx, cancelFn := context.WithCancel(context.Background())

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeHTTP))
	go hub.Run(ctx)

	t.Cleanup(func() {
		cancelFn()
		srv.Close()
	})

	wsURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	return wsURL, hub, cancelFn
}

func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) wsHub.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var m wsHub.Message
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal %s: %v", raw, err)
	}
	return m
}

func waitCount(t *testing.T, hub *wsHub.Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Count() != want {
		if time.Now().After(deadline) {
			t.Fatalf("Count: got %d, want %d", hub.Count(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// --- tests ------------------------------------------------------------------

func TestHub_Connect_ReceivesImmediateSnapshot(t *testing.T) {
	src := &fakeSource{}
	src.set(instance("a"), instance("b"))
	wsURL, _, _ := startHub(t, src, time.Hour)

	m := readMessage(t, dial(t, wsURL))
	if m.Event != wsHub.EventSnapshot {
		t.Errorf("event: got %q, want snapshot", m.Event)
	}
	if m.Instance != nil {
		t.Error("snapshot carries an instance")
	}
	if m.Data.Count != 2 || len(m.Data.Alerts) != 2 || m.Data.GeneratedAt == "" {
		t.Errorf("data: %+v", m.Data)
	}
}

func TestHub_ReceivesBroadcastOnTick(t *testing.T) {
	src := &fakeSource{}
	wsURL, _, _ := startHub(t, src, testInterval)

	conn := dial(t, wsURL)
	if m := readMessage(t, conn); m.Data.Count != 0 {
		t.Fatalf("initial snapshot: %+v", m.Data)
	}

	src.set(instance("new"))
	deadline := time.Now().Add(2 * time.Second)
	for {
		m := readMessage(t, conn)
		if m.Data.Count == 1 {
			if m.Data.Alerts[0].ID != "new" {
				t.Errorf("alert id: got %q, want new", m.Data.Alerts[0].ID)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("tick broadcast never carried the new alert")
		}
	}
}

func TestHub_PublishPushesEvent(t *testing.T) {
	src := &fakeSource{}
	wsURL, hub, _ := startHub(t, src, time.Hour)

	conn := dial(t, wsURL)
	readMessage(t, conn)
	waitCount(t, hub, 1)

	in := instance("x")
	src.set(in)
	hub.Publish(alerts.Event{Type: alerts.EventFiring, Instance: in})

	m := readMessage(t, conn)
	if m.Event != string(alerts.EventFiring) {
		t.Errorf("event: got %q, want firing", m.Event)
	}
	if m.Instance == nil || m.Instance.ID != "x" {
		t.Errorf("instance: %+v", m.Instance)
	}
	if m.Data.Count != 1 {
		t.Errorf("data count: got %d, want 1", m.Data.Count)
	}
}

func TestHub_AllClientsReceivePublish(t *testing.T) {
	src := &fakeSource{}
	wsURL, hub, _ := startHub(t, src, time.Hour)

	conns := make([]*websocket.Conn, 3)
	for i := range conns {
		conns[i] = dial(t, wsURL)
		readMessage(t, conns[i])
	}
	waitCount(t, hub, 3)

	hub.Publish(alerts.Event{Type: alerts.EventResolved, Instance: instance("r")})
	for i, conn := range conns {
		if m := readMessage(t, conn); m.Event != string(alerts.EventResolved) {
			t.Errorf("client %d: event %q, want resolved", i, m.Event)
		}
	}
}

func TestHub_CountDecreasesOnDisconnect(t *testing.T) {
	wsURL, hub, _ := startHub(t, &fakeSource{}, time.Hour)

	conn := dial(t, wsURL)
	readMessage(t, conn)
	waitCount(t, hub, 1)

	conn.Close()
	waitCount(t, hub, 0)
}

func TestHub_CancelContextClosesConnections(t *testing.T) {
	wsURL, hub, cancel := startHub(t, &fakeSource{}, time.Hour)

	conn := dial(t, wsURL)
	readMessage(t, conn)
	waitCount(t, hub, 1)

	cancel()
	waitCount(t, hub, 0)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection still open after shutdown")
	}
}

func TestHub_EngineSubscription(t *testing.T) {
	engine := alerts.New(staticQuerier{}, alerts.Options{})
	wsURL, hub, _ := startHub(t, engine, time.Hour)
	unsubscribe := engine.Subscribe(hub.Publish)
	defer unsubscribe()

	conn := dial(t, wsURL)
	readMessage(t, conn)
	waitCount(t, hub, 1)

	r, err := engine.CreateAlertRule(alerts.Rule{
		Name:      "always",
		Query:     alerts.RuleQuery{Metric: "m"},
		Severity:  alerts.SeverityWarning,
		Enabled:   true,
		Condition: alerts.Condition{Operator: alerts.OpGte, Threshold: 0},
	})
	if err != nil {
		t.Fatalf("CreateAlertRule() error = %v", err)
	}
	engine.EvaluateAlertRules(context.Background())

	m := readMessage(t, conn)
	if m.Event != string(alerts.EventFiring) || m.Instance == nil || m.Instance.RuleID != r.ID {
		t.Errorf("message: %+v", m)
	}
	if m.Data.Count != 1 {
		t.Errorf("data count: got %d, want 1", m.Data.Count)
	}
}

func TestHub_NonWebSocketRequest_Returns400(t *testing.T) {
	hub := wsHub.New(&fakeSource{}, testInterval)
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeHTTP))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", resp.StatusCode)
	}
}
