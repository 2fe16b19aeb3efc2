// Package stream fans container output and lifecycle events out to
// WebSocket subscribers. Each instance gets at most one attachment to
// the Docker daemon no matter how many clients are watching; the
// attachment is opened when the first subscriber arrives and released
// when the last one leaves.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/craftdock/craftdock/internal/docker"
	"github.com/craftdock/craftdock/internal/domain"
)

// ErrUnknownChannel means a subscription named a channel that does not
// exist.
var ErrUnknownChannel = errors.New("unknown channel")

// subscriberBuffer is the per-subscriber event queue depth. A full
// queue drops events rather than stalling the attachment.
const subscriberBuffer = 256

// reattachDelay is how long a follower waits before retrying after the
// log stream ends (container stopped or not created yet).
const reattachDelay = 3 * time.Second

// gameLineRe matches lines produced by the game process itself, as
// opposed to image bootstrap output. The thread names cover vanilla
// and the common modded engines.
var gameLineRe = regexp.MustCompile(`\[(Server thread/|Async Chat Thread|User Authenticator|Server console handler|Worker-Main-\d+|Render thread/|main/)`)

// Source provides container log and stats access for attachments.
// *docker.Client satisfies it.
type Source interface {
	FollowLogs(ctx context.Context, containerID string, tail int) (<-chan string, error)
	RecentLogs(ctx context.Context, containerID string, tail int) ([]string, error)
	ContainerStats(ctx context.Context, containerID string) (*docker.Stats, error)
}

// InstanceLookup resolves instances when attaching. *storage.Store
// satisfies it.
type InstanceLookup interface {
	GetInstanceByID(ctx context.Context, id int64) (*domain.Instance, error)
}

// Subscriber is one client's view of an instance's stream.
type Subscriber struct {
	id         string
	instanceID int64
	channel    string
	events     chan domain.StreamEvent
	dropped    atomic.Int64
}

// ID returns the subscriber's unique identifier.
func (s *Subscriber) ID() string { return s.id }

// InstanceID returns the instance this subscriber watches.
func (s *Subscriber) InstanceID() int64 { return s.instanceID }

// Channel returns the stream channel this subscriber selected.
func (s *Subscriber) Channel() string { return s.channel }

// Events returns the subscriber's event queue. It is closed when the
// subscriber is removed or the instance is deleted.
func (s *Subscriber) Events() <-chan domain.StreamEvent { return s.events }

// Dropped returns how many events were discarded because the
// subscriber's queue was full.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

type attachment struct {
	cancel context.CancelFunc
}

// Multiplexer owns the per-instance attachments and subscriber sets.
type Multiplexer struct {
	source        Source
	store         InstanceLookup
	statsInterval time.Duration

	mu          sync.RWMutex
	attachments map[int64]*attachment
	subscribers map[int64]map[*Subscriber]bool
}

// NewMultiplexer creates a multiplexer. statsInterval controls how
// often resource snapshots are pushed while an instance is running.
func NewMultiplexer(source Source, store InstanceLookup, statsInterval time.Duration) *Multiplexer {
	if statsInterval <= 0 {
		statsInterval = 5 * time.Second
	}
	return &Multiplexer{
		source:        source,
		store:         store,
		statsInterval: statsInterval,
		attachments:   make(map[int64]*attachment),
		subscribers:   make(map[int64]map[*Subscriber]bool),
	}
}

// Subscribe registers a new subscriber for an instance and channel,
// starting the instance's attachment if it is the first one.
func (m *Multiplexer) Subscribe(ctx context.Context, instanceID int64, channel string) (*Subscriber, error) {
	if channel == "" {
		channel = domain.ChannelDefault
	}
	if !domain.ValidChannel(channel) {
		return nil, fmt.Errorf("channel %q: %w", channel, ErrUnknownChannel)
	}

	if _, err := m.store.GetInstanceByID(ctx, instanceID); err != nil {
		return nil, err
	}

	sub := &Subscriber{
		id:         uuid.NewString(),
		instanceID: instanceID,
		channel:    channel,
		events:     make(chan domain.StreamEvent, subscriberBuffer),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.subscribers[instanceID] == nil {
		m.subscribers[instanceID] = make(map[*Subscriber]bool)
	}
	m.subscribers[instanceID][sub] = true

	if m.attachments[instanceID] == nil {
		attachCtx, cancel := context.WithCancel(context.Background())
		m.attachments[instanceID] = &attachment{cancel: cancel}
		go m.followLoop(attachCtx, instanceID)
		go m.statsLoop(attachCtx, instanceID)
		log.Printf("stream: attached to instance %d", instanceID)
	}

	log.Printf("stream: subscriber %s joined instance %d channel %s (%d total)",
		sub.id, instanceID, channel, len(m.subscribers[instanceID]))
	return sub, nil
}

// Unsubscribe removes a subscriber, releasing the instance's
// attachment if it was the last one.
func (m *Multiplexer) Unsubscribe(sub *Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs, ok := m.subscribers[sub.instanceID]
	if !ok || !subs[sub] {
		return
	}
	delete(subs, sub)
	close(sub.events)
	if n := sub.dropped.Load(); n > 0 {
		log.Printf("stream: subscriber %s dropped %d events (slow consumer)", sub.id, n)
	}
	log.Printf("stream: subscriber %s left instance %d (%d remaining)", sub.id, sub.instanceID, len(subs))

	if len(subs) == 0 {
		m.detachLocked(sub.instanceID)
	}
}

// Teardown drops every subscriber of an instance, pushing a terminal
// deleted status to each before closing it. Wired to the lifecycle
// manager's delete hook.
func (m *Multiplexer) Teardown(instanceID int64) {
	final := domain.StatusUpdate(instanceID, domain.StatusDeleted, "instance deleted")

	m.mu.Lock()
	defer m.mu.Unlock()

	for sub := range m.subscribers[instanceID] {
		select {
		case sub.events <- final:
		default:
		}
		close(sub.events)
	}
	delete(m.subscribers, instanceID)
	m.detachLocked(instanceID)
}

func (m *Multiplexer) detachLocked(instanceID int64) {
	if a, ok := m.attachments[instanceID]; ok {
		a.cancel()
		delete(m.attachments, instanceID)
		log.Printf("stream: detached from instance %d (no subscribers)", instanceID)
	}
	if subs, ok := m.subscribers[instanceID]; ok && len(subs) == 0 {
		delete(m.subscribers, instanceID)
	}
}

// Publish delivers an event to the matching subscribers of its
// instance. Events on the default channel reach every subscriber so
// log viewers still see status changes; log lines reach the
// subscribers of their channel, with default subscribers also fed the
// game-log lines. Delivery never blocks: a subscriber with a full
// queue loses the event.
func (m *Multiplexer) Publish(ev domain.StreamEvent) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for sub := range m.subscribers[ev.InstanceID] {
		if !wants(sub.channel, ev.Channel) {
			continue
		}
		select {
		case sub.events <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
}

// wants reports whether a subscriber on subChannel should receive an
// event tagged evChannel.
func wants(subChannel, evChannel string) bool {
	switch {
	case evChannel == domain.ChannelDefault:
		return true
	case evChannel == subChannel:
		return true
	case subChannel == domain.ChannelDefault && evChannel == domain.ChannelGameLogs:
		return true
	}
	return false
}

// Backlog returns up to tail recent log lines for an instance, or nil
// when it has no container yet.
func (m *Multiplexer) Backlog(ctx context.Context, instanceID int64, tail int) ([]string, error) {
	inst, err := m.store.GetInstanceByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.ContainerID == "" {
		return nil, nil
	}
	return m.source.RecentLogs(ctx, inst.ContainerID, tail)
}

// followLoop keeps one log stream open for the instance, reattaching
// after the container stops and starts again. Each line is published
// on the container_logs channel, and game-process lines additionally
// on game_logs.
func (m *Multiplexer) followLoop(ctx context.Context, instanceID int64) {
	for {
		inst, err := m.store.GetInstanceByID(ctx, instanceID)
		if err != nil || inst.ContainerID == "" {
			if !m.waitReattach(ctx) {
				return
			}
			continue
		}

		lines, err := m.source.FollowLogs(ctx, inst.ContainerID, 0)
		if err != nil {
			log.Printf("stream: follow logs for instance %d: %v", instanceID, err)
			if !m.waitReattach(ctx) {
				return
			}
			continue
		}

		for line := range lines {
			m.Publish(domain.LogLine(instanceID, line, domain.ChannelContainerLogs))
			if gameLineRe.MatchString(line) {
				m.Publish(domain.LogLine(instanceID, line, domain.ChannelGameLogs))
			}
		}

		// Stream closed: the container exited or was removed.
		if !m.waitReattach(ctx) {
			return
		}
	}
}

// statsLoop pushes a resource snapshot on the default channel every
// stats interval while the instance is running.
func (m *Multiplexer) statsLoop(ctx context.Context, instanceID int64) {
	ticker := time.NewTicker(m.statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		inst, err := m.store.GetInstanceByID(ctx, instanceID)
		if err != nil || inst.Status != domain.StatusRunning || inst.ContainerID == "" {
			continue
		}

		stats, err := m.source.ContainerStats(ctx, inst.ContainerID)
		if err != nil {
			log.Printf("stream: stats for instance %d: %v", instanceID, err)
			continue
		}

		m.Publish(domain.StatsEvent(instanceID, domain.InstanceStats{
			InstanceID:    instanceID,
			Status:        inst.Status,
			CPUPercent:    stats.CPUPercent,
			MemoryUsageMB: stats.MemoryUsageMB,
			MemoryLimitMB: stats.MemoryLimitMB,
			MemoryPercent: stats.MemoryPercent,
		}))
	}
}

func (m *Multiplexer) waitReattach(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(reattachDelay):
		return true
	}
}
