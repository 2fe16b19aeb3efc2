// Package lifecycle drives instances through their provisioning and run
// states: it owns every status transition, serializes operations per
// instance, and emits stream events after each persisted change.
package lifecycle

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/craftdock/craftdock/internal/config"
	"github.com/craftdock/craftdock/internal/docker"
	"github.com/craftdock/craftdock/internal/domain"
	"github.com/craftdock/craftdock/internal/storage"
)

var (
	// ErrNameTaken means an instance with the requested name exists.
	ErrNameTaken = errors.New("instance name already in use")
	// ErrMaxInstances means the configured instance limit is reached.
	ErrMaxInstances = errors.New("maximum number of instances reached")
	// ErrInvalidInput means a create/update field failed validation.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidState means the operation is not allowed from the
	// instance's current state.
	ErrInvalidState = errors.New("operation not allowed in current state")
)

const passwordAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// ContainerRuntime is the container engine surface the manager drives.
// *docker.Client satisfies it.
type ContainerRuntime interface {
	PullImage(ctx context.Context, onProgress func(docker.PullProgress)) error
	CreateContainer(ctx context.Context, spec docker.CreateSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	RestartContainer(ctx context.Context, id string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, id string, removeVolumes bool) error
	ContainerStatus(ctx context.Context, id string) (domain.InstanceStatus, error)
	ContainerStats(ctx context.Context, id string) (*docker.Stats, error)
	ContainerExists(ctx context.Context, name string) (bool, error)
}

// Manager owns instance lifecycle operations. Exactly one operation per
// instance is in flight at a time; operations on different instances
// proceed independently.
type Manager struct {
	cfg    *config.Config
	store  *storage.Store
	docker ContainerRuntime
	events chan domain.StreamEvent

	gameRange PortRange
	rconRange PortRange

	mu    sync.Mutex
	locks map[int64]*sync.Mutex

	// createMu serializes port allocation across concurrent creates
	createMu sync.Mutex

	// onDelete tears down stream attachments for a deleted instance;
	// wired by the API layer after construction.
	onDelete func(instanceID int64)
}

// NewManager creates a lifecycle manager
func NewManager(cfg *config.Config, store *storage.Store, runtime ContainerRuntime) *Manager {
	return &Manager{
		cfg:       cfg,
		store:     store,
		docker:    runtime,
		events:    make(chan domain.StreamEvent, 100),
		gameRange: PortRange{Start: cfg.Instances.PortRangeStart, End: cfg.Instances.PortRangeEnd},
		rconRange: PortRange{Start: cfg.Instances.RconRangeStart, End: cfg.Instances.RconRangeEnd},
		locks:     make(map[int64]*sync.Mutex),
	}
}

// Events returns the stream of lifecycle events for broadcasting
func (m *Manager) Events() <-chan domain.StreamEvent {
	return m.events
}

// OnDelete registers a hook invoked after an instance's terminal status
// update has been pushed, before its record is removed
func (m *Manager) OnDelete(fn func(instanceID int64)) {
	m.onDelete = fn
}

// lockInstance acquires the per-instance mutex; the returned func releases it.
// Concurrent operations on the same instance queue here.
func (m *Manager) lockInstance(id int64) func() {
	m.mu.Lock()
	lock, ok := m.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[id] = lock
	}
	m.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// emit sends an event without ever blocking a lifecycle operation
func (m *Manager) emit(ev domain.StreamEvent) {
	select {
	case m.events <- ev:
	default:
		log.Printf("Event channel full, dropping %s for instance %d", ev.Type, ev.InstanceID)
	}
}

// setStatus persists a status transition, then reports it. Storage is
// always updated before the event so subscribers never observe a status
// ahead of the record.
func (m *Manager) setStatus(ctx context.Context, id int64, status domain.InstanceStatus, message string) error {
	if err := m.store.UpdateInstanceStatus(ctx, id, status); err != nil {
		return fmt.Errorf("persisting status %s: %w", status, err)
	}
	m.emit(domain.StatusUpdate(id, status, message))
	return nil
}

// CreateRequest holds the fields for a new instance
type CreateRequest struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Type        domain.InstanceType `json:"type"`
	Version     string              `json:"version"`
	Port        int                 `json:"port"`
	RconPort    int                 `json:"rcon_port"`
	MemoryMB    int                 `json:"memory_mb"`
}

// Create validates the request, allocates ports, persists the instance
// in downloading state, and provisions the container in the background.
// The returned instance reaches stopped (or running, when auto-start is
// configured) once provisioning completes, or error on failure.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*domain.Instance, error) {
	if req.Name == "" || req.Version == "" {
		return nil, fmt.Errorf("name and version are required: %w", ErrInvalidInput)
	}
	if !domain.ValidInstanceType(req.Type) {
		return nil, fmt.Errorf("unknown server type %q: %w", req.Type, ErrInvalidInput)
	}
	if req.MemoryMB == 0 {
		req.MemoryMB = 2048
	}
	if req.MemoryMB < 512 {
		return nil, fmt.Errorf("memory must be at least 512 MB: %w", ErrInvalidInput)
	}

	count, err := m.store.CountInstances(ctx)
	if err != nil {
		return nil, err
	}
	if count >= m.cfg.Instances.MaxInstances {
		return nil, ErrMaxInstances
	}

	if _, err := m.store.GetInstanceByName(ctx, req.Name); err == nil {
		return nil, ErrNameTaken
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	// Port allocation is serialized so two concurrent creates cannot
	// pick the same free port.
	m.createMu.Lock()
	defer m.createMu.Unlock()

	gameUsed, rconUsed, err := m.store.UsedPorts(ctx)
	if err != nil {
		return nil, err
	}

	port := req.Port
	if port == 0 {
		if port, err = m.gameRange.Allocate(gameUsed); err != nil {
			return nil, err
		}
	} else if err := m.gameRange.Reserve(port, gameUsed); err != nil {
		return nil, err
	}

	rconPort := req.RconPort
	if rconPort == 0 {
		if rconPort, err = m.rconRange.Allocate(rconUsed); err != nil {
			return nil, err
		}
	} else if err := m.rconRange.Reserve(rconPort, rconUsed); err != nil {
		return nil, err
	}

	containerName := containerNameFor(req.Name)
	exists, err := m.docker.ContainerExists(ctx, containerName)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("container %q already exists: %w", containerName, ErrNameTaken)
	}

	inst := &domain.Instance{
		Name:          req.Name,
		Description:   req.Description,
		Type:          req.Type,
		Version:       req.Version,
		Port:          port,
		RconPort:      rconPort,
		RconPassword:  generatePassword(32),
		MemoryMB:      req.MemoryMB,
		ContainerName: containerName,
		Status:        domain.StatusDownloading,
		Active:        true,
	}
	if err := m.store.CreateInstance(ctx, inst); err != nil {
		return nil, fmt.Errorf("creating instance record: %w", err)
	}

	go m.provision(*inst)

	return inst, nil
}

// provision pulls the image and creates the container for a freshly
// created instance. Runs detached from the create request; failures land
// the instance in error state rather than being retried.
func (m *Manager) provision(inst domain.Instance) {
	ctx := context.Background()
	if !m.provisionContainer(ctx, inst) {
		return
	}
	if m.cfg.Instances.AutoStart {
		if err := m.Start(ctx, inst.ID); err != nil {
			log.Printf("Instance %d: auto-start failed: %v", inst.ID, err)
		}
	}
}

// provisionContainer holds the instance lock for the pull/create phase
// and reports whether the instance reached stopped
func (m *Manager) provisionContainer(ctx context.Context, inst domain.Instance) bool {
	unlock := m.lockInstance(inst.ID)
	defer unlock()

	m.emit(domain.StatusUpdate(inst.ID, domain.StatusDownloading, "Downloading server image..."))

	lastPct := -1.0
	err := m.docker.PullImage(ctx, func(p docker.PullProgress) {
		if p.Total == 0 {
			return
		}
		pct := float64(p.Current) / float64(p.Total) * 100
		// Progress events are throttled to whole-percent steps so a
		// large pull does not flood subscribers.
		if pct-lastPct < 1 {
			return
		}
		lastPct = pct
		m.emit(domain.DownloadProgress(inst.ID, p.Current, p.Total))
	})
	if err != nil {
		m.failProvision(ctx, inst.ID, fmt.Errorf("pulling image: %w", err))
		return false
	}

	if err := m.setStatus(ctx, inst.ID, domain.StatusInitializing, "Creating container..."); err != nil {
		log.Printf("Instance %d: %v", inst.ID, err)
		return false
	}

	containerID, err := m.docker.CreateContainer(ctx, docker.CreateSpec{
		ContainerName: inst.ContainerName,
		Type:          inst.Type,
		Version:       inst.Version,
		Port:          inst.Port,
		RconPort:      inst.RconPort,
		RconPassword:  inst.RconPassword,
		MemoryMB:      inst.MemoryMB,
		Network:       m.cfg.Docker.Network,
	})
	if err != nil {
		m.failProvision(ctx, inst.ID, fmt.Errorf("creating container: %w", err))
		return false
	}

	if err := m.store.SetContainerID(ctx, inst.ID, containerID); err != nil {
		m.failProvision(ctx, inst.ID, fmt.Errorf("recording container id: %w", err))
		return false
	}

	if err := m.setStatus(ctx, inst.ID, domain.StatusStopped, "Server created successfully"); err != nil {
		log.Printf("Instance %d: %v", inst.ID, err)
		return false
	}
	log.Printf("Instance %d (%s) provisioned, container %s", inst.ID, inst.Name, containerID[:12])
	return true
}

func (m *Manager) failProvision(ctx context.Context, id int64, err error) {
	log.Printf("Instance %d: provisioning failed: %v", id, err)
	if serr := m.store.UpdateInstanceStatus(ctx, id, domain.StatusError); serr != nil {
		log.Printf("Instance %d: recording error state: %v", id, serr)
	}
	m.emit(domain.StatusUpdate(id, domain.StatusError, err.Error()))
}

// UpdateRequest carries the mutable instance settings; nil fields are
// left unchanged
type UpdateRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	MemoryMB    *int    `json:"memory_mb"`
}

// Update changes a stopped instance's settings
func (m *Manager) Update(ctx context.Context, id int64, req UpdateRequest) (*domain.Instance, error) {
	unlock := m.lockInstance(id)
	defer unlock()

	inst, err := m.store.GetInstanceByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Status != domain.StatusStopped {
		return nil, fmt.Errorf("instance must be stopped to update settings: %w", ErrInvalidState)
	}

	if req.Name != nil && *req.Name != inst.Name {
		if *req.Name == "" {
			return nil, fmt.Errorf("name cannot be empty: %w", ErrInvalidInput)
		}
		if _, err := m.store.GetInstanceByName(ctx, *req.Name); err == nil {
			return nil, ErrNameTaken
		} else if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		inst.Name = *req.Name
	}
	if req.Description != nil {
		inst.Description = *req.Description
	}
	recreate := false
	if req.MemoryMB != nil && *req.MemoryMB != inst.MemoryMB {
		if *req.MemoryMB < 512 {
			return nil, fmt.Errorf("memory must be at least 512 MB: %w", ErrInvalidInput)
		}
		inst.MemoryMB = *req.MemoryMB
		recreate = inst.ContainerID != ""
	}

	if err := m.store.UpdateInstance(ctx, inst); err != nil {
		return nil, err
	}

	// The memory limit is baked into the container, so a change means
	// replacing it. Volumes are kept so the world survives.
	if recreate {
		if err := m.docker.RemoveContainer(ctx, inst.ContainerID, false); err != nil {
			log.Printf("lifecycle: remove container for instance %d: %v", inst.ID, err)
		}
		containerID, err := m.docker.CreateContainer(ctx, docker.CreateSpec{
			ContainerName: inst.ContainerName,
			Type:          inst.Type,
			Version:       inst.Version,
			Port:          inst.Port,
			RconPort:      inst.RconPort,
			RconPassword:  inst.RconPassword,
			MemoryMB:      inst.MemoryMB,
			Network:       m.cfg.Docker.Network,
		})
		if err != nil {
			m.setStatus(ctx, inst.ID, domain.StatusError, "failed to apply new memory limit")
			return nil, fmt.Errorf("recreating container: %w", err)
		}
		inst.ContainerID = containerID
		if err := m.store.SetContainerID(ctx, inst.ID, containerID); err != nil {
			return nil, err
		}
	}
	return inst, nil
}

// Start powers on a stopped instance
func (m *Manager) Start(ctx context.Context, id int64) error {
	unlock := m.lockInstance(id)
	defer unlock()

	inst, err := m.store.GetInstanceByID(ctx, id)
	if err != nil {
		return err
	}
	if inst.Status != domain.StatusStopped {
		return fmt.Errorf("cannot start from state %s: %w", inst.Status, ErrInvalidState)
	}
	if inst.ContainerID == "" {
		return fmt.Errorf("instance has no container: %w", ErrInvalidState)
	}

	// Transitional state written before the runtime call so concurrent
	// readers see starting instead of a torn value.
	if err := m.setStatus(ctx, id, domain.StatusStarting, ""); err != nil {
		return err
	}

	if err := m.docker.StartContainer(ctx, inst.ContainerID); err != nil {
		// Revert to the last stable state; the caller decides whether
		// to retry.
		if serr := m.setStatus(ctx, id, domain.StatusStopped, "Start failed"); serr != nil {
			log.Printf("Instance %d: reverting to stopped: %v", id, serr)
		}
		return fmt.Errorf("starting instance %d: %w", id, err)
	}

	if err := m.waitRunning(ctx, inst.ContainerID); err != nil {
		m.failProvision(ctx, id, fmt.Errorf("waiting for container: %w", err))
		return fmt.Errorf("instance %d did not become ready: %w", id, err)
	}

	return m.setStatus(ctx, id, domain.StatusRunning, "")
}

// Stop powers off a running instance
func (m *Manager) Stop(ctx context.Context, id int64) error {
	unlock := m.lockInstance(id)
	defer unlock()

	inst, err := m.store.GetInstanceByID(ctx, id)
	if err != nil {
		return err
	}
	if inst.Status != domain.StatusRunning {
		return fmt.Errorf("cannot stop from state %s: %w", inst.Status, ErrInvalidState)
	}

	if err := m.setStatus(ctx, id, domain.StatusStopping, ""); err != nil {
		return err
	}

	if err := m.docker.StopContainer(ctx, inst.ContainerID, m.cfg.Docker.StopTimeout); err != nil {
		if serr := m.setStatus(ctx, id, domain.StatusRunning, "Stop failed"); serr != nil {
			log.Printf("Instance %d: reverting to running: %v", id, serr)
		}
		return fmt.Errorf("stopping instance %d: %w", id, err)
	}

	return m.setStatus(ctx, id, domain.StatusStopped, "")
}

// Restart restarts a running instance
func (m *Manager) Restart(ctx context.Context, id int64) error {
	unlock := m.lockInstance(id)
	defer unlock()

	inst, err := m.store.GetInstanceByID(ctx, id)
	if err != nil {
		return err
	}
	if inst.Status != domain.StatusRunning {
		return fmt.Errorf("cannot restart from state %s: %w", inst.Status, ErrInvalidState)
	}

	if err := m.setStatus(ctx, id, domain.StatusStarting, ""); err != nil {
		return err
	}

	if err := m.docker.RestartContainer(ctx, inst.ContainerID, m.cfg.Docker.StopTimeout); err != nil {
		if serr := m.setStatus(ctx, id, domain.StatusRunning, "Restart failed"); serr != nil {
			log.Printf("Instance %d: reverting to running: %v", id, serr)
		}
		return fmt.Errorf("restarting instance %d: %w", id, err)
	}

	return m.setStatus(ctx, id, domain.StatusRunning, "")
}

// DeleteResult reports which halves of a delete succeeded so a caller
// can reconcile a partial failure. Delete is the one operation that is
// safe to repeat.
type DeleteResult struct {
	ContainerRemoved bool `json:"container_removed"`
	RecordRemoved    bool `json:"record_removed"`
}

// Delete tears down an instance from any state: streams first, then the
// container (and optionally its volumes), then the record
func (m *Manager) Delete(ctx context.Context, id int64) (*DeleteResult, error) {
	unlock := m.lockInstance(id)
	defer unlock()

	inst, err := m.store.GetInstanceByID(ctx, id)
	if err != nil {
		return nil, err
	}

	// Terminal event goes out before subscriptions are torn down so
	// every subscriber learns why its stream is ending.
	m.emit(domain.StatusUpdate(id, domain.StatusDeleted, "Server deleted"))

	result := &DeleteResult{}

	if inst.ContainerID != "" {
		if err := m.docker.RemoveContainer(ctx, inst.ContainerID, m.cfg.Docker.RemoveVolumes); err != nil {
			// Subscribers stay attached: the instance survives for a
			// retry and its watchers should keep seeing it.
			return result, fmt.Errorf("removing container (record kept for retry): %w", err)
		}
	}
	result.ContainerRemoved = true

	if m.onDelete != nil {
		m.onDelete(id)
	}

	if err := m.store.DeleteInstance(ctx, id); err != nil {
		return result, fmt.Errorf("container removed but record deletion failed: %w", err)
	}
	result.RecordRemoved = true

	m.mu.Lock()
	delete(m.locks, id)
	m.mu.Unlock()

	log.Printf("Instance %d (%s) deleted", id, inst.Name)
	return result, nil
}

// Stats returns a resource snapshot, zeroed when the instance is not running
func (m *Manager) Stats(ctx context.Context, id int64) (*domain.InstanceStats, error) {
	inst, err := m.store.GetInstanceByID(ctx, id)
	if err != nil {
		return nil, err
	}

	stats := &domain.InstanceStats{
		InstanceID:    id,
		Status:        inst.Status,
		MemoryLimitMB: float64(inst.MemoryMB),
	}

	if inst.Status != domain.StatusRunning || inst.ContainerID == "" {
		return stats, nil
	}

	sample, err := m.docker.ContainerStats(ctx, inst.ContainerID)
	if err != nil {
		// Stats are best-effort; a momentarily unreachable container
		// yields zeroes, not a failed request.
		log.Printf("Instance %d: stats unavailable: %v", id, err)
		return stats, nil
	}

	stats.CPUPercent = sample.CPUPercent
	stats.MemoryUsageMB = sample.MemoryUsageMB
	stats.MemoryLimitMB = sample.MemoryLimitMB
	stats.MemoryPercent = sample.MemoryPercent
	return stats, nil
}

// SyncStatus reconciles a settled instance's status with the daemon's
// view of its container. Transitional states are left alone; the
// lifecycle operation owning them will settle them itself.
func (m *Manager) SyncStatus(ctx context.Context, inst *domain.Instance) {
	switch inst.Status {
	case domain.StatusRunning, domain.StatusStopped, domain.StatusError:
	default:
		return
	}
	if inst.ContainerID == "" {
		return
	}

	actual, err := m.docker.ContainerStatus(ctx, inst.ContainerID)
	if err != nil || actual == inst.Status {
		return
	}

	if err := m.store.UpdateInstanceStatus(ctx, inst.ID, actual); err != nil {
		log.Printf("Instance %d: reconciling status: %v", inst.ID, err)
		return
	}
	inst.Status = actual
	m.emit(domain.StatusUpdate(inst.ID, actual, ""))
}

// waitRunning polls the container until the daemon reports it running
// or the ready timeout elapses
func (m *Manager) waitRunning(ctx context.Context, containerID string) error {
	deadline := time.Now().Add(m.cfg.Instances.ReadyTimeout)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		status, err := m.docker.ContainerStatus(ctx, containerID)
		if err == nil && status == domain.StatusRunning {
			return nil
		}
		if err == nil && status == domain.StatusError {
			return fmt.Errorf("container entered dead state")
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("container not running after %v", m.cfg.Instances.ReadyTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// containerNameFor derives the container name from the instance name
func containerNameFor(name string) string {
	s := strings.ToLower(name)
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, s)
	return "mc_" + s
}

// generatePassword returns a random alphanumeric secret
func generatePassword(length int) string {
	max := big.NewInt(int64(len(passwordAlphabet)))
	b := make([]byte, length)
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(err) // crypto/rand failure is unrecoverable
		}
		b[i] = passwordAlphabet[n.Int64()]
	}
	return string(b)
}
