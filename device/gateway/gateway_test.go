package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kabili207/camgate/core/transfer"
	"github.com/kabili207/camgate/transport"
)

type routed struct {
	topic transfer.Topic
	body  string
}

type recordingHandler struct {
	mu   sync.Mutex
	msgs []routed
}

func (h *recordingHandler) record(t transfer.Topic, body []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, routed{topic: t, body: string(body)})
}

func (h *recordingHandler) HandleData(_ context.Context, t transfer.Topic, body []byte) {
	h.record(t, body)
}

func (h *recordingHandler) HandleStatus(_ context.Context, t transfer.Topic, body []byte) {
	h.record(t, body)
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}

type recordingPresence struct {
	mu   sync.Mutex
	seen []transfer.DeviceID
}

func (p *recordingPresence) Seen(_ context.Context, id transfer.DeviceID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, id)
}

func TestSubscriptions(t *testing.T) {
	got := Subscriptions("ESP32CAM")
	want := []string{"ESP32CAM/+/data", "ESP32CAM/+/status", "ESP32CAM/+/ack"}
	if len(got) != len(want) {
		t.Fatalf("Subscriptions = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Subscriptions[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestHandleMessage_Routing(t *testing.T) {
	data := &recordingHandler{}
	status := &recordingHandler{}
	presence := &recordingPresence{}
	g := New(Config{Data: data, Status: status, Presence: presence})
	ctx := context.Background()

	g.HandleMessage(ctx, "ESP32CAM/AABBCCDDEEFF/data", []byte(`{"image_name":"x"}`))
	g.HandleMessage(ctx, "ESP32CAM/AABBCCDDEEFF/status", []byte(`{"status":"ok"}`))
	g.HandleMessage(ctx, "ESP32CAM/AABBCCDDEEFF/ack", []byte(`{}`))
	g.HandleMessage(ctx, "ESP32CAM/AABBCCDDEEFF/cmd", []byte(`{}`))
	g.HandleMessage(ctx, "OTHER/AABBCCDDEEFF/data", []byte(`{}`))
	g.HandleMessage(ctx, "ESP32CAM/data", []byte(`{}`))
	g.HandleMessage(ctx, "ESP32CAM/AABBCCDDEEFF/bogus", []byte(`{}`))

	if data.count() != 1 || data.msgs[0].topic.Device != "AABBCCDDEEFF" || data.msgs[0].body != `{"image_name":"x"}` {
		t.Errorf("data = %+v", data.msgs)
	}
	if status.count() != 1 || status.msgs[0].topic.Channel != transfer.ChannelStatus {
		t.Errorf("status = %+v", status.msgs)
	}
	if len(presence.seen) != 2 {
		t.Errorf("presence seen = %v, want 2 entries", presence.seen)
	}

	snap := g.Counters().Snapshot()
	want := CountersSnapshot{MessagesRecv: 7, DataRecv: 1, StatusRecv: 1, AckRecv: 1, Dropped: 4}
	if snap != want {
		t.Errorf("counters = %+v, want %+v", snap, want)
	}

	g.Counters().Reset()
	if g.Counters().Snapshot() != (CountersSnapshot{}) {
		t.Error("Reset should zero counters")
	}
}

func TestHandleMessage_CustomNamespace(t *testing.T) {
	data := &recordingHandler{}
	g := New(Config{Namespace: "farm", Data: data})

	g.HandleMessage(context.Background(), "ESP32CAM/A/data", nil)
	g.HandleMessage(context.Background(), "farm/A/data", nil)

	if data.count() != 1 {
		t.Errorf("data routed = %d, want 1", data.count())
	}
}

type fakeTransport struct {
	mu        sync.Mutex
	handler   transport.MessageHandler
	state     transport.StateHandler
	started   atomic.Bool
	stopped   atomic.Bool
	startErr  error
	connected atomic.Bool
}

func (f *fakeTransport) Publish(string, []byte) error { return nil }

func (f *fakeTransport) Start(context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started.Store(true)
	f.connected.Store(true)
	f.mu.Lock()
	state := f.state
	f.mu.Unlock()
	if state != nil {
		state(f, transport.EventConnected)
	}
	return nil
}

func (f *fakeTransport) Stop() error {
	f.stopped.Store(true)
	f.connected.Store(false)
	return nil
}

func (f *fakeTransport) IsConnected() bool { return f.connected.Load() }

func (f *fakeTransport) SetMessageHandler(fn transport.MessageHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = fn
}

func (f *fakeTransport) SetStateHandler(fn transport.StateHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = fn
}

func (f *fakeTransport) deliver(topic string, payload []byte) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h(topic, payload)
}

type fakeLoop struct {
	started atomic.Bool
	stopped atomic.Bool
	done    chan struct{}
}

func (l *fakeLoop) Start(ctx context.Context) {
	l.started.Store(true)
	select {
	case <-ctx.Done():
	case <-l.done:
	}
}

func (l *fakeLoop) Stop() {
	if l.stopped.CompareAndSwap(false, true) {
		close(l.done)
	}
}

func TestRun(t *testing.T) {
	tr := &fakeTransport{}
	data := &recordingHandler{}
	loop := &fakeLoop{done: make(chan struct{})}
	g := New(Config{Transport: tr, Data: data, Loops: []Loop{loop}})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- g.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !(tr.started.Load() && loop.started.Load()) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !tr.started.Load() || !loop.started.Load() {
		t.Fatal("transport and loops should be started")
	}

	tr.deliver("ESP32CAM/A/data", []byte(`{}`))
	if data.count() != 1 {
		t.Error("message from transport should be routed")
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if !loop.stopped.Load() || !tr.stopped.Load() {
		t.Error("loops and transport should be stopped")
	}
}

func TestRun_StartError(t *testing.T) {
	boom := errors.New("connection refused")
	g := New(Config{Transport: &fakeTransport{startErr: boom}})

	if err := g.Run(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Run error = %v, want %v", err, boom)
	}
}

func TestRun_NoTransport(t *testing.T) {
	if err := New(Config{}).Run(context.Background()); !errors.Is(err, ErrNoTransport) {
		t.Errorf("Run error = %v, want ErrNoTransport", err)
	}
}
