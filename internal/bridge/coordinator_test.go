package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"mydolphin-bridge/internal/awsiot"
	"mydolphin-bridge/internal/shadow"
	"mydolphin-bridge/internal/status"
	"mydolphin-bridge/internal/store"
)

// fakeSession stands in for the broker session; tests drive it through the
// channels the coordinator handed over in the session config.
type fakeSession struct {
	cfg awsiot.Config

	mu         sync.Mutex
	published  []awsiot.Message
	terminated bool
}

func (f *fakeSession) Connect(_ context.Context) error { return nil }

func (f *fakeSession) Publish(topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, awsiot.Message{Topic: topic, Payload: payload})
	return nil
}

func (f *fakeSession) Ledger() map[uint64]awsiot.LedgerEntry { return nil }

// Terminate emits the terminal status the way the real session does.
func (f *fakeSession) Terminate() {
	f.mu.Lock()
	f.terminated = true
	f.mu.Unlock()
	select {
	case f.cfg.Statuses <- status.Disconnected:
	default:
	}
}

func (f *fakeSession) publishes() []awsiot.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]awsiot.Message(nil), f.published...)
}

func (f *fakeSession) emitStatus(st status.Connection) { f.cfg.Statuses <- st }
func (f *fakeSession) deliver(topic string, payload string) {
	f.cfg.Messages <- awsiot.Message{Topic: topic, Payload: []byte(payload)}
}

type fakeFactory struct {
	mu       sync.Mutex
	sessions []*fakeSession
}

func (ff *fakeFactory) new(cfg awsiot.Config) iotSession {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	fs := &fakeSession{cfg: cfg}
	ff.sessions = append(ff.sessions, fs)
	return fs
}

func (ff *fakeFactory) count() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.sessions)
}

func (ff *fakeFactory) session(t *testing.T, n int) *fakeSession {
	t.Helper()
	require.Eventually(t, func() bool { return ff.count() >= n },
		2*time.Second, 5*time.Millisecond, "session %d never created", n)
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.sessions[n-1]
}

// vendorServer fakes the cloud HTTPS API.
type vendorServer struct {
	partName        string
	rejectExchanges int

	mu              sync.Mutex
	exchangeSernums []string
}

func (v *vendorServer) sernums() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.exchangeSernums...)
}

func (v *vendorServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/users/Login/":
			fmt.Fprint(w, `{"Data":{"Sernum":"ROB12345AB","token":"tok"},"Status":"1"}`)
		case "/api/serialnumbers/getrobotdetailsbyrobotsn/":
			fmt.Fprint(w, `{"Data":{"eSERNUM":"ROB12345"},"Status":"1"}`)
		case "/api/IOT/getToken_DecryptSN/":
			v.mu.Lock()
			v.exchangeSernums = append(v.exchangeSernums, r.PostForm.Get("Sernum"))
			reject := len(v.exchangeSernums) <= v.rejectExchanges
			v.mu.Unlock()
			if reject {
				fmt.Fprint(w, `{"Data":null,"Status":"0"}`)
				return
			}
			fmt.Fprint(w, `{"Data":{"Token":"sess","AccessKeyId":"AKIA","SecretAccessKey":"shhh"},"Status":"1"}`)
		case "/api/serialnumbers/getrobotdetailsbymusn/":
			part := v.partName
			if part == "" {
				part = "MyDolphin Plus S300"
			}
			fmt.Fprintf(w, `{"Data":{"SERNUM":"ROB12345","PARTNAME":%q,"MyRobotName":"Dolphin"},"Status":"1"}`, part)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) payloads(signal string) []any {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []any
	for _, e := range l.events {
		if e.Signal == signal {
			out = append(out, e.Payload)
		}
	}
	return out
}

func (l *eventLog) count(signal string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Signal == signal {
			n++
		}
	}
	return n
}

type rig struct {
	c       *Coordinator
	factory *fakeFactory
	store   *store.Store
	events  *eventLog
	vendor  *vendorServer
}

func newRig(t *testing.T, vendor *vendorServer) *rig {
	t.Helper()
	server := httptest.NewServer(vendor.handler())
	t.Cleanup(server.Close)

	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	log := zaptest.NewLogger(t)
	bus := NewEventBus(log)
	events := &eventLog{}
	bus.OnAll(events.record)

	c := New(Config{
		Username:          "user@example.com",
		Password:          "secret",
		BaseURL:           server.URL + "/api/",
		IoTEndpoint:       "broker.test",
		IoTRegion:         "eu-west-1",
		InstanceID:        "inst-1",
		ReconnectInterval: 20 * time.Millisecond,
		FollowUpDelay:     10 * time.Millisecond,
	}, st, bus, log)
	factory := &fakeFactory{}
	c.newSession = factory.new

	return &rig{c: c, factory: factory, store: st, events: events, vendor: vendor}
}

func (r *rig) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("coordinator did not stop")
		}
	})
}

func waitPublish(t *testing.T, fs *fakeSession, match func(awsiot.Message) bool) awsiot.Message {
	t.Helper()
	var found awsiot.Message
	require.Eventually(t, func() bool {
		for _, msg := range fs.publishes() {
			if match(msg) {
				found = msg
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "expected publish never seen")
	return found
}

func TestConnectLifecycle(t *testing.T) {
	r := newRig(t, &vendorServer{})
	r.start(t)

	fs := r.factory.session(t, 1)
	plan := shadow.NewTopicPlan("ROB12345")
	require.ElementsMatch(t, plan.Subscriptions(), fs.cfg.Subscriptions)
	require.Equal(t, "AKIA", fs.cfg.Credentials.AccessKeyID)

	fs.emitStatus(status.Connected)

	// A connected session immediately requests the full shadow.
	waitPublish(t, fs, func(m awsiot.Message) bool { return m.Topic == plan.Get() })

	require.Eventually(t, r.c.Ready, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, r.events.count(EventReady))
	require.Equal(t, 1, r.events.count(EventDeviceNew))

	fs.deliver(plan.GetAccepted(),
		`{"state":{"reported":{"systemState":{"pwsState":"on","robotState":"init","isBusy":true}}},"version":7}`)

	require.Eventually(t, func() bool {
		return r.c.Derived().CalculatedState == shadow.CalcInit
	}, 2*time.Second, 5*time.Millisecond)
	require.True(t, r.c.Derived().IsBusy)
	require.Equal(t, int64(7), r.c.ShadowVersion())
	require.Equal(t, 1, r.events.count(EventDataChanged))

	// The same envelope again must not announce a change.
	fs.deliver(plan.GetAccepted(),
		`{"state":{"reported":{"systemState":{"pwsState":"on","robotState":"init","isBusy":true}}},"version":7}`)
	fs.deliver(plan.GetAccepted(),
		`{"state":{"reported":{"systemState":{"robotState":"notConnected"}}},"version":8}`)
	require.Eventually(t, func() bool {
		return r.c.Derived().CalculatedState == shadow.CalcOff
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 2, r.events.count(EventDataChanged))
}

func TestCycleTimeFollowUp(t *testing.T) {
	r := newRig(t, &vendorServer{})
	r.start(t)

	fs := r.factory.session(t, 1)
	fs.emitStatus(status.Connected)
	plan := shadow.NewTopicPlan("ROB12345")

	require.Eventually(t, r.c.Ready, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, r.c.SetCleaningMode(shadow.ModeFast))

	modeMsg := waitPublish(t, fs, func(m awsiot.Message) bool {
		return m.Topic == plan.Update() && string(m.Payload) == `{"state":{"desired":{"cleaningMode":{"mode":"short"}}}}`
	})
	require.JSONEq(t, `{"state":{"desired":{"cleaningMode":{"mode":"short"}}}}`, string(modeMsg.Payload))

	// The broker accepts the desired mode; the matching cycle time follows.
	fs.deliver(plan.UpdateAccepted(),
		`{"state":{"desired":{"cleaningMode":{"mode":"short"}}},"version":9}`)

	follow := waitPublish(t, fs, func(m awsiot.Message) bool {
		var body map[string]any
		if m.Topic != plan.Update() || json.Unmarshal(m.Payload, &body) != nil {
			return false
		}
		state, _ := body["state"].(map[string]any)
		desired, _ := state["desired"].(map[string]any)
		_, ok := desired["cycleInfo"]
		return ok
	})
	require.JSONEq(t, `{"state":{"desired":{"cycleInfo":{"cycleTime":60}}}}`, string(follow.Payload))
}

func TestTokenCacheInvalidation(t *testing.T) {
	vendor := &vendorServer{rejectExchanges: 1}
	r := newRig(t, vendor)
	r.start(t)

	r.factory.session(t, 1)

	sernums := vendor.sernums()
	require.Len(t, sernums, 2)
	require.NotEqual(t, sernums[0], sernums[1], "rejection must force a fresh encryption")
	require.Equal(t, sernums[1], r.store.EncryptedToken(), "accepted encryption must be cached")
	require.Equal(t, status.Connected, r.c.APIStatus())
}

func TestTemperatureRequestForM700(t *testing.T) {
	r := newRig(t, &vendorServer{partName: "MyDolphin Plus M700"})
	r.start(t)

	fs := r.factory.session(t, 1)
	fs.emitStatus(status.Connected)
	plan := shadow.NewTopicPlan("ROB12345")

	require.Eventually(t, r.c.Ready, 2*time.Second, 5*time.Millisecond)
	fs.deliver(plan.GetAccepted(), `{"state":{"reported":{"systemState":{"pwsState":"off"}}},"version":3}`)

	// The request carries both identities: the device serial from login and
	// the motor-unit serial the topics are derived from.
	msg := waitPublish(t, fs, func(m awsiot.Message) bool { return m.Topic == plan.Dynamic() })
	require.JSONEq(t,
		`{"type":"pwsRequest","description":"temperature","content":{"serialNumber":"ROB12345AB","motorUnitSerial":"ROB12345"}}`,
		string(msg.Payload))
}

func TestJoystickLifecycle(t *testing.T) {
	r := newRig(t, &vendorServer{})
	r.start(t)

	fs := r.factory.session(t, 1)
	fs.emitStatus(status.Connected)
	plan := shadow.NewTopicPlan("ROB12345")

	require.Eventually(t, r.c.Ready, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, r.c.Navigate("forward"))

	msg := waitPublish(t, fs, func(m awsiot.Message) bool { return m.Topic == plan.Dynamic() })
	require.JSONEq(t, `{"type":"pwsRequest","description":"joystick","content":{"direction":"forward","speed":100}}`, string(msg.Payload))

	// The broker echoes our own dynamic publish back at us. The bucket is
	// keyed by the message type.
	fs.deliver(plan.Dynamic(), string(msg.Payload))
	require.Eventually(t, func() bool { return r.c.Activity() == "forward" },
		2*time.Second, 5*time.Millisecond)
	require.Equal(t, "forward", r.c.Dynamic()["pwsRequest"]["direction"])

	changes := r.events.count(EventDataChanged)

	// A replayed identical echo changes nothing and announces nothing.
	fs.deliver(plan.Dynamic(), string(msg.Payload))

	require.NoError(t, r.c.ExitJoystick())
	fs.deliver(plan.Dynamic(), `{"type":"pwsRequest","description":"joystick","content":{"rcMode":"exit"}}`)
	require.Eventually(t, func() bool { return r.c.Activity() == "" },
		2*time.Second, 5*time.Millisecond)
	require.Equal(t, changes+1, r.events.count(EventDataChanged))
}

func TestBrokerLossStartsNewCycleAndKeepsShadow(t *testing.T) {
	r := newRig(t, &vendorServer{})
	r.start(t)

	fs1 := r.factory.session(t, 1)
	fs1.emitStatus(status.Connected)
	plan := shadow.NewTopicPlan("ROB12345")

	fs1.deliver(plan.GetAccepted(), `{"state":{"reported":{"systemState":{"pwsState":"holdDelay"}}},"version":4}`)
	require.Eventually(t, func() bool {
		return r.c.Derived().CalculatedState == shadow.CalcHoldDelay
	}, 2*time.Second, 5*time.Millisecond)

	fs1.emitStatus(status.Failed)

	fs2 := r.factory.session(t, 2)
	require.NotSame(t, fs1, fs2)
	require.Eventually(t, func() bool {
		fs1.mu.Lock()
		defer fs1.mu.Unlock()
		return fs1.terminated
	}, 2*time.Second, 5*time.Millisecond)

	// The torn-down session's terminal status is still surfaced.
	require.Eventually(t, func() bool {
		for _, p := range r.events.payloads(EventAWSStatus) {
			if p == status.Disconnected {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	// The shadow view survives the broker loss.
	require.Equal(t, shadow.CalcHoldDelay, r.c.Derived().CalculatedState)
	snap := r.c.Snapshot()
	require.Contains(t, snap, "systemState")

	// The device is announced once, not once per cycle.
	fs2.emitStatus(status.Connected)
	require.Eventually(t, r.c.Ready, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, r.events.count(EventDeviceNew))
}
