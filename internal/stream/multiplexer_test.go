package stream

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/craftdock/craftdock/internal/docker"
	"github.com/craftdock/craftdock/internal/domain"
	"github.com/craftdock/craftdock/internal/storage"
)

// fakeSource feeds canned log lines and stats to attachments
type fakeSource struct {
	lines   chan string
	follows atomic.Int32
}

func newFakeSource() *fakeSource {
	return &fakeSource{lines: make(chan string, 100)}
}

func (f *fakeSource) FollowLogs(ctx context.Context, containerID string, tail int) (<-chan string, error) {
	f.follows.Add(1)
	out := make(chan string, 100)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case line, ok := <-f.lines:
				if !ok {
					return
				}
				out <- line
			}
		}
	}()
	return out, nil
}

func (f *fakeSource) RecentLogs(ctx context.Context, containerID string, tail int) ([]string, error) {
	return []string{"line one", "line two"}, nil
}

func (f *fakeSource) ContainerStats(ctx context.Context, containerID string) (*docker.Stats, error) {
	return &docker.Stats{CPUPercent: 12.5, MemoryUsageMB: 512, MemoryLimitMB: 2048, MemoryPercent: 25}, nil
}

// fakeLookup serves a single instance
type fakeLookup struct {
	inst domain.Instance
}

func (f *fakeLookup) GetInstanceByID(ctx context.Context, id int64) (*domain.Instance, error) {
	if id != f.inst.ID {
		return nil, storage.ErrNotFound
	}
	inst := f.inst
	return &inst, nil
}

func newTestMux(src *fakeSource) (*Multiplexer, *fakeLookup) {
	lookup := &fakeLookup{inst: domain.Instance{
		ID:          1,
		Name:        "survival",
		Status:      domain.StatusRunning,
		ContainerID: "c1",
	}}
	// Long stats interval keeps stats events out of log-focused tests.
	return NewMultiplexer(src, lookup, time.Hour), lookup
}

func waitEvent(t *testing.T, sub *Subscriber) domain.StreamEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatal("events channel closed unexpectedly")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return domain.StreamEvent{}
}

func waitClosed(t *testing.T, sub *Subscriber) []domain.StreamEvent {
	t.Helper()
	var seen []domain.StreamEvent
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return seen
			}
			seen = append(seen, ev)
		case <-deadline:
			t.Fatal("timed out waiting for channel close")
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestSubscribeUnknownInstance(t *testing.T) {
	mux, _ := newTestMux(newFakeSource())
	if _, err := mux.Subscribe(context.Background(), 42, domain.ChannelDefault); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSubscribeUnknownChannel(t *testing.T) {
	src := newFakeSource()
	mux, _ := newTestMux(src)

	if _, err := mux.Subscribe(context.Background(), 1, "audit_logs"); !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("err = %v, want ErrUnknownChannel", err)
	}
	// A rejected subscription must not leave an attachment behind.
	if n := src.follows.Load(); n != 0 {
		t.Errorf("follows = %d after rejected subscribe, want 0", n)
	}

	// Empty channel still falls back to default.
	sub, err := mux.Subscribe(context.Background(), 1, "")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer mux.Unsubscribe(sub)
	if sub.Channel() != domain.ChannelDefault {
		t.Errorf("channel = %s, want default", sub.Channel())
	}
}

func TestLogFanOut(t *testing.T) {
	src := newFakeSource()
	mux, _ := newTestMux(src)

	sub1, err := mux.Subscribe(context.Background(), 1, domain.ChannelContainerLogs)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer mux.Unsubscribe(sub1)
	sub2, err := mux.Subscribe(context.Background(), 1, domain.ChannelContainerLogs)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer mux.Unsubscribe(sub2)

	waitFor(t, func() bool { return src.follows.Load() == 1 })
	src.lines <- "[init] Starting the server"

	for _, sub := range []*Subscriber{sub1, sub2} {
		ev := waitEvent(t, sub)
		if ev.Type != domain.EventLogLine || ev.Line != "[init] Starting the server" {
			t.Errorf("event = %+v", ev)
		}
		if ev.Channel != domain.ChannelContainerLogs {
			t.Errorf("channel = %s", ev.Channel)
		}
	}
}

func TestGameLineClassification(t *testing.T) {
	src := newFakeSource()
	mux, _ := newTestMux(src)

	gameSub, err := mux.Subscribe(context.Background(), 1, domain.ChannelGameLogs)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer mux.Unsubscribe(gameSub)
	containerSub, err := mux.Subscribe(context.Background(), 1, domain.ChannelContainerLogs)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer mux.Unsubscribe(containerSub)

	waitFor(t, func() bool { return src.follows.Load() == 1 })

	// Bootstrap output goes only to container_logs.
	src.lines <- "[mc-image-helper] Downloading server jar"
	// Game process output goes to both.
	src.lines <- "[12:00:01] [Server thread/INFO]: Alice joined the game"

	ev := waitEvent(t, containerSub)
	if ev.Line != "[mc-image-helper] Downloading server jar" {
		t.Errorf("container first line = %q", ev.Line)
	}
	ev = waitEvent(t, containerSub)
	if ev.Line != "[12:00:01] [Server thread/INFO]: Alice joined the game" {
		t.Errorf("container second line = %q", ev.Line)
	}

	ev = waitEvent(t, gameSub)
	if ev.Channel != domain.ChannelGameLogs {
		t.Errorf("channel = %s, want game_logs", ev.Channel)
	}
	if ev.Line != "[12:00:01] [Server thread/INFO]: Alice joined the game" {
		t.Errorf("game line = %q, bootstrap output leaked into game channel", ev.Line)
	}
}

func TestDefaultEventsReachAllChannels(t *testing.T) {
	src := newFakeSource()
	mux, _ := newTestMux(src)

	gameSub, _ := mux.Subscribe(context.Background(), 1, domain.ChannelGameLogs)
	defer mux.Unsubscribe(gameSub)
	defSub, _ := mux.Subscribe(context.Background(), 1, domain.ChannelDefault)
	defer mux.Unsubscribe(defSub)

	mux.Publish(domain.StatusUpdate(1, domain.StatusStopping, ""))

	for _, sub := range []*Subscriber{gameSub, defSub} {
		ev := waitEvent(t, sub)
		if ev.Type != domain.EventStatusUpdate || ev.Status != string(domain.StatusStopping) {
			t.Errorf("event = %+v", ev)
		}
	}
}

func TestDefaultChannelReceivesGameLines(t *testing.T) {
	src := newFakeSource()
	mux, _ := newTestMux(src)

	defSub, err := mux.Subscribe(context.Background(), 1, domain.ChannelDefault)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer mux.Unsubscribe(defSub)
	waitFor(t, func() bool { return src.follows.Load() == 1 })

	src.lines <- "[mc-image-helper] Downloading server jar"
	src.lines <- "[12:00:01] [Server thread/INFO]: Alice joined the game"

	// Bootstrap noise stays on container_logs; only the game line
	// reaches the default subscriber.
	ev := waitEvent(t, defSub)
	if ev.Channel != domain.ChannelGameLogs {
		t.Errorf("channel = %s, want game_logs", ev.Channel)
	}
	if ev.Line != "[12:00:01] [Server thread/INFO]: Alice joined the game" {
		t.Errorf("default subscriber got %q", ev.Line)
	}
}

func TestRefcountedAttachment(t *testing.T) {
	src := newFakeSource()
	mux, _ := newTestMux(src)

	sub1, _ := mux.Subscribe(context.Background(), 1, domain.ChannelContainerLogs)
	waitFor(t, func() bool { return src.follows.Load() == 1 })

	// Second subscriber shares the attachment.
	sub2, _ := mux.Subscribe(context.Background(), 1, domain.ChannelContainerLogs)
	time.Sleep(50 * time.Millisecond)
	if n := src.follows.Load(); n != 1 {
		t.Fatalf("follows = %d after second subscribe, want 1", n)
	}

	mux.Unsubscribe(sub1)
	time.Sleep(50 * time.Millisecond)
	if n := src.follows.Load(); n != 1 {
		t.Fatalf("follows = %d with one subscriber left, want 1", n)
	}

	// Last unsubscribe releases it; the next subscribe re-attaches.
	mux.Unsubscribe(sub2)
	sub3, _ := mux.Subscribe(context.Background(), 1, domain.ChannelContainerLogs)
	defer mux.Unsubscribe(sub3)
	waitFor(t, func() bool { return src.follows.Load() == 2 })
}

func TestUnsubscribeIsolation(t *testing.T) {
	src := newFakeSource()
	mux, _ := newTestMux(src)

	sub1, _ := mux.Subscribe(context.Background(), 1, domain.ChannelContainerLogs)
	sub2, _ := mux.Subscribe(context.Background(), 1, domain.ChannelContainerLogs)
	defer mux.Unsubscribe(sub2)

	mux.Unsubscribe(sub1)
	if _, ok := <-sub1.Events(); ok {
		t.Error("unsubscribed channel should be closed")
	}

	mux.Publish(domain.LogLine(1, "still here", domain.ChannelContainerLogs))
	ev := waitEvent(t, sub2)
	if ev.Line != "still here" {
		t.Errorf("line = %q", ev.Line)
	}
}

func TestFullBufferDrops(t *testing.T) {
	src := newFakeSource()
	mux, _ := newTestMux(src)

	sub, _ := mux.Subscribe(context.Background(), 1, domain.ChannelContainerLogs)

	for i := 0; i < subscriberBuffer+10; i++ {
		mux.Publish(domain.LogLine(1, "spam", domain.ChannelContainerLogs))
	}
	if dropped := sub.Dropped(); dropped != 10 {
		t.Errorf("dropped = %d, want 10", dropped)
	}

	// Queued events are still delivered in order.
	ev := waitEvent(t, sub)
	if ev.Line != "spam" {
		t.Errorf("line = %q", ev.Line)
	}

	// The drop count surfaces in the log when the subscriber leaves.
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)
	mux.Unsubscribe(sub)
	if !strings.Contains(buf.String(), "dropped 10 events") {
		t.Errorf("drop count not logged on unsubscribe: %q", buf.String())
	}
}

func TestTeardownPushesTerminalStatus(t *testing.T) {
	src := newFakeSource()
	mux, _ := newTestMux(src)

	sub, _ := mux.Subscribe(context.Background(), 1, domain.ChannelDefault)

	mux.Teardown(1)

	seen := waitClosed(t, sub)
	if len(seen) == 0 {
		t.Fatal("expected a final event before close")
	}
	last := seen[len(seen)-1]
	if last.Type != domain.EventStatusUpdate || last.Status != string(domain.StatusDeleted) {
		t.Errorf("final event = %+v, want deleted status", last)
	}
}

func TestStatsEvents(t *testing.T) {
	src := newFakeSource()
	lookup := &fakeLookup{inst: domain.Instance{
		ID:          1,
		Status:      domain.StatusRunning,
		ContainerID: "c1",
	}}
	mux := NewMultiplexer(src, lookup, 20*time.Millisecond)

	sub, err := mux.Subscribe(context.Background(), 1, domain.ChannelDefault)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer mux.Unsubscribe(sub)

	ev := waitEvent(t, sub)
	if ev.Type != domain.EventStats {
		t.Fatalf("event type = %s, want stats", ev.Type)
	}
	if ev.Stats == nil || ev.Stats.CPUPercent != 12.5 || ev.Stats.MemoryUsageMB != 512 {
		t.Errorf("stats = %+v", ev.Stats)
	}
}

func TestBacklog(t *testing.T) {
	src := newFakeSource()
	mux, _ := newTestMux(src)

	lines, err := mux.Backlog(context.Background(), 1, 100)
	if err != nil {
		t.Fatalf("Backlog failed: %v", err)
	}
	if len(lines) != 2 || lines[0] != "line one" {
		t.Errorf("lines = %v", lines)
	}

	if _, err := mux.Backlog(context.Background(), 42, 100); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
