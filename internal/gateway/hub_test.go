package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/taskdeck/taskdeck/internal/agentevent"
	"github.com/taskdeck/taskdeck/internal/common/logger"
	"github.com/taskdeck/taskdeck/internal/events/bus"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

// startHub runs the hub loop for the duration of the test.
func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(newTestLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

func waitForFrame(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case data := <-c.send:
		return data
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for frame")
		return nil
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestHub_BroadcastRoutesByWatchList(t *testing.T) {
	hub := startHub(t)
	log := newTestLogger(t)

	watcher := NewClient("c1", nil, hub, log)
	other := NewClient("c2", nil, hub, log)
	hub.Register(watcher)
	hub.Register(other)
	waitFor(t, func() bool { return hub.GetClientCount() == 2 }, "clients not registered")

	watcher.Subscribe("t1")
	other.Subscribe("t2")

	ev := agentevent.NewText("t1", "run-1", "info", "hello")
	hub.Broadcast("t1", &ev)

	data := waitForFrame(t, watcher)
	var got agentevent.Event
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("failed to decode frame: %v", err)
	}
	if got.Message != "hello" || got.TaskID != "t1" {
		t.Errorf("unexpected event delivered: %+v", got)
	}

	select {
	case frame := <-other.send:
		t.Errorf("client watching another task received %s", frame)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_AttachForwardsBusEvents(t *testing.T) {
	log := newTestLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	hub := startHub(t)
	if err := hub.Attach(eventBus); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	client := NewClient("c1", nil, hub, log)
	hub.Register(client)
	waitFor(t, func() bool { return hub.GetClientCount() == 1 }, "client not registered")
	client.Subscribe("t1")

	runEv := agentevent.NewStatus("t1", "run-1", agentevent.StatusResearchStart)
	if err := eventBus.Publish(context.Background(), "agent.event.run-1",
		bus.NewEvent(string(runEv.Type), "test", runEv)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	var got agentevent.Event
	if err := json.Unmarshal(waitForFrame(t, client), &got); err != nil {
		t.Fatalf("failed to decode frame: %v", err)
	}
	if got.Status != agentevent.StatusResearchStart {
		t.Errorf("expected run event forwarded, got %+v", got)
	}

	logEv := agentevent.NewError("t1", "", "no credentials", "")
	if err := eventBus.Publish(context.Background(), "task.log.t1",
		bus.NewEvent(string(logEv.Type), "test", logEv)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if err := json.Unmarshal(waitForFrame(t, client), &got); err != nil {
		t.Fatalf("failed to decode frame: %v", err)
	}
	if got.Type != agentevent.TypeError || got.Message != "no credentials" {
		t.Errorf("expected task log event forwarded, got %+v", got)
	}
}

func TestHub_StalledClientDropped(t *testing.T) {
	hub := startHub(t)
	client := NewClient("c1", nil, hub, newTestLogger(t))
	hub.Register(client)
	waitFor(t, func() bool { return hub.GetClientCount() == 1 }, "client not registered")
	client.Subscribe("t1")

	// Nothing drains the send buffer, so it eventually fills and the hub
	// must drop the client instead of stalling.
	ev := agentevent.NewText("t1", "run-1", "info", "flood")
	for i := 0; i < cap(client.send)+8; i++ {
		hub.Broadcast("t1", &ev)
	}

	waitFor(t, func() bool { return hub.GetClientCount() == 0 }, "stalled client was not dropped")
	if client.Send([]byte("x")) {
		t.Error("expected Send to fail after the client ended")
	}
}

func TestHub_StopClosesClients(t *testing.T) {
	hub := NewHub(newTestLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	client := NewClient("c1", nil, hub, newTestLogger(t))
	hub.Register(client)
	waitFor(t, func() bool { return hub.GetClientCount() == 1 }, "client not registered")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}

	if hub.GetClientCount() != 0 {
		t.Errorf("expected no clients after stop, got %d", hub.GetClientCount())
	}
	select {
	case <-client.done:
	default:
		t.Error("expected client write loop signaled to end")
	}
}

func TestClient_ControlFrames(t *testing.T) {
	hub := startHub(t)
	client := NewClient("c1", nil, hub, newTestLogger(t))
	hub.Register(client)
	waitFor(t, func() bool { return hub.GetClientCount() == 1 }, "client not registered")

	ack := decodeAck(t, client.handleControl([]byte(`{"action":"subscribe","task_ids":["t2","t1"]}`)))
	if ack.Type != "ack" || ack.Action != "subscribe" {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	if len(ack.Watched) != 2 || ack.Watched[0] != "t1" || ack.Watched[1] != "t2" {
		t.Errorf("expected sorted watch list [t1 t2], got %v", ack.Watched)
	}
	if !client.IsSubscribed("t1") || hub.GetTaskSubscriberCount("t2") != 1 {
		t.Error("expected subscriptions applied to client and hub")
	}

	ack = decodeAck(t, client.handleControl([]byte(`{"action":"unsubscribe","task_ids":["t1"]}`)))
	if len(ack.Watched) != 1 || ack.Watched[0] != "t2" {
		t.Errorf("expected watch list [t2] after unsubscribe, got %v", ack.Watched)
	}
	if hub.GetTaskSubscriberCount("t1") != 0 {
		t.Error("expected hub watcher set cleared")
	}
}

func TestClient_ControlFrameErrors(t *testing.T) {
	hub := startHub(t)
	client := NewClient("c1", nil, hub, newTestLogger(t))

	ack := decodeAck(t, client.handleControl([]byte(`{"action":"explode"}`)))
	if ack.Type != "error" || ack.Action != "explode" {
		t.Errorf("expected error ack for unknown action, got %+v", ack)
	}

	ack = decodeAck(t, client.handleControl([]byte(`not json`)))
	if ack.Type != "error" {
		t.Errorf("expected error ack for bad frame, got %+v", ack)
	}
	if len(client.WatchedTasks()) != 0 {
		t.Error("bad frames must not change the watch list")
	}
}

func decodeAck(t *testing.T, raw []byte) ControlAck {
	t.Helper()
	var ack ControlAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		t.Fatalf("failed to decode ack: %v", err)
	}
	return ack
}
