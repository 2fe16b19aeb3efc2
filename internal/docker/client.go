package docker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/craftdock/craftdock/internal/domain"
)

// Containers created by craftdock carry this label so housekeeping
// tooling can tell them apart from unrelated containers.
const managedLabel = "craftdock.managed"

// gamePort is the fixed port the server listens on inside the container.
const gamePort = 25565

// Client wraps the Docker engine API for instance containers
type Client struct {
	cli   *client.Client
	image string
}

// NewClient creates a Docker client from the environment (DOCKER_HOST etc.)
func NewClient(image string) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &Client{cli: cli, image: image}, nil
}

// Close releases the underlying connection
func (c *Client) Close() error {
	return c.cli.Close()
}

// PullProgress reports image download progress for one layer event
type PullProgress struct {
	Status  string
	Current int64
	Total   int64
}

// PullImage pulls the server image, invoking onProgress for each progress
// message in the daemon's pull stream
func (c *Client) PullImage(ctx context.Context, onProgress func(PullProgress)) error {
	reader, err := c.cli.ImagePull(ctx, c.image, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", c.image, err)
	}
	defer reader.Close()

	dec := json.NewDecoder(reader)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("decoding pull progress: %w", err)
		}
		if msg.Error != nil {
			return fmt.Errorf("pulling image %s: %s", c.image, msg.Error.Message)
		}
		if onProgress != nil {
			p := PullProgress{Status: msg.Status}
			if msg.Progress != nil {
				p.Current = msg.Progress.Current
				p.Total = msg.Progress.Total
			}
			onProgress(p)
		}
	}
}

// CreateSpec describes the container to create for an instance
type CreateSpec struct {
	ContainerName string
	Type          domain.InstanceType
	Version       string
	Port          int
	RconPort      int
	RconPassword  string
	MemoryMB      int
	Network       string
}

// CreateContainer creates (but does not start) a server container
func (c *Client) CreateContainer(ctx context.Context, spec CreateSpec) (string, error) {
	env := []string{
		"EULA=TRUE",
		"TYPE=" + strings.ToUpper(string(spec.Type)),
		"VERSION=" + spec.Version,
		fmt.Sprintf("MEMORY=%dM", spec.MemoryMB),
		"ENABLE_RCON=TRUE",
		fmt.Sprintf("RCON_PORT=%d", spec.RconPort),
		"RCON_PASSWORD=" + spec.RconPassword,
		"ONLINE_MODE=TRUE",
		fmt.Sprintf("SERVER_PORT=%d", gamePort),
	}

	gameTCP := nat.Port(fmt.Sprintf("%d/tcp", gamePort))
	rconTCP := nat.Port(fmt.Sprintf("%d/tcp", spec.RconPort))

	cfg := &container.Config{
		Image:    c.image,
		Hostname: spec.ContainerName,
		Env:      env,
		ExposedPorts: nat.PortSet{
			gameTCP: struct{}{},
			rconTCP: struct{}{},
		},
		Labels: map[string]string{
			managedLabel:        "true",
			"craftdock.type":    string(spec.Type),
			"craftdock.version": spec.Version,
		},
	}

	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			gameTCP: []nat.PortBinding{{HostPort: fmt.Sprintf("%d", spec.Port)}},
			rconTCP: []nat.PortBinding{{HostPort: fmt.Sprintf("%d", spec.RconPort)}},
		},
		Resources: container.Resources{
			Memory: int64(spec.MemoryMB) * 1024 * 1024,
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}
	if spec.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(spec.Network)
	}

	resp, err := c.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, spec.ContainerName)
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}
	return resp.ID, nil
}

// StartContainer starts an existing container
func (c *Client) StartContainer(ctx context.Context, id string) error {
	if err := c.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("starting container: %w", err)
	}
	return nil
}

// StopContainer stops a running container within the given timeout
func (c *Client) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	if err := c.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &seconds}); err != nil {
		return fmt.Errorf("stopping container: %w", err)
	}
	return nil
}

// RestartContainer restarts a container within the given timeout
func (c *Client) RestartContainer(ctx context.Context, id string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	if err := c.cli.ContainerRestart(ctx, id, container.StopOptions{Timeout: &seconds}); err != nil {
		return fmt.Errorf("restarting container: %w", err)
	}
	return nil
}

// RemoveContainer force-removes a container, optionally with its volumes
func (c *Client) RemoveContainer(ctx context.Context, id string, removeVolumes bool) error {
	opts := container.RemoveOptions{Force: true, RemoveVolumes: removeVolumes}
	if err := c.cli.ContainerRemove(ctx, id, opts); err != nil {
		return fmt.Errorf("removing container: %w", err)
	}
	return nil
}

// ContainerStatus maps the daemon's view of a container onto instance status
func (c *Client) ContainerStatus(ctx context.Context, id string) (domain.InstanceStatus, error) {
	info, err := c.cli.ContainerInspect(ctx, id)
	if err != nil {
		return domain.StatusError, fmt.Errorf("inspecting container: %w", err)
	}

	switch info.State.Status {
	case "running":
		return domain.StatusRunning, nil
	case "restarting":
		return domain.StatusStarting, nil
	case "dead":
		return domain.StatusError, nil
	default: // created, exited, paused, removing
		return domain.StatusStopped, nil
	}
}

// Stats holds a single resource sample for a container
type Stats struct {
	CPUPercent    float64
	MemoryUsageMB float64
	MemoryLimitMB float64
	MemoryPercent float64
}

// ContainerStats takes a one-shot resource sample
func (c *Client) ContainerStats(ctx context.Context, id string) (*Stats, error) {
	resp, err := c.cli.ContainerStatsOneShot(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reading container stats: %w", err)
	}
	defer resp.Body.Close()

	var raw types.StatsJSON
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding container stats: %w", err)
	}

	stats := &Stats{
		MemoryUsageMB: float64(raw.MemoryStats.Usage) / (1024 * 1024),
		MemoryLimitMB: float64(raw.MemoryStats.Limit) / (1024 * 1024),
	}
	if raw.MemoryStats.Limit > 0 {
		stats.MemoryPercent = float64(raw.MemoryStats.Usage) / float64(raw.MemoryStats.Limit) * 100
	}

	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage - raw.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(raw.CPUStats.SystemUsage - raw.PreCPUStats.SystemUsage)
	if sysDelta > 0 && cpuDelta >= 0 {
		cpus := float64(raw.CPUStats.OnlineCPUs)
		if cpus == 0 {
			cpus = 1
		}
		stats.CPUPercent = cpuDelta / sysDelta * cpus * 100
	}

	return stats, nil
}

// FollowLogs attaches to a container's combined output and sends each
// line on the returned channel. The channel is closed when the stream
// ends or ctx is cancelled. tail limits how much backlog is replayed.
func (c *Client) FollowLogs(ctx context.Context, id string, tail int) (<-chan string, error) {
	opts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Tail:       fmt.Sprintf("%d", tail),
	}
	reader, err := c.cli.ContainerLogs(ctx, id, opts)
	if err != nil {
		return nil, fmt.Errorf("attaching to container logs: %w", err)
	}

	lines := make(chan string, 100)

	// The daemon multiplexes stdout/stderr into framed chunks when the
	// container has no TTY; stdcopy strips the frame headers.
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, reader)
		pw.CloseWithError(err)
		reader.Close()
	}()

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	return lines, nil
}

// RecentLogs returns up to tail lines of a container's combined output
// without following the stream.
func (c *Client) RecentLogs(ctx context.Context, id string, tail int) ([]string, error) {
	opts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       fmt.Sprintf("%d", tail),
	}
	reader, err := c.cli.ContainerLogs(ctx, id, opts)
	if err != nil {
		return nil, fmt.Errorf("reading container logs: %w", err)
	}
	defer reader.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, reader); err != nil {
		return nil, fmt.Errorf("demultiplexing container logs: %w", err)
	}

	var lines []string
	scanner := bufio.NewScanner(&buf)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}

// ContainerExists reports whether any container (running or not) has the name
func (c *Client) ContainerExists(ctx context.Context, name string) (bool, error) {
	containers, err := c.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return false, fmt.Errorf("listing containers: %w", err)
	}
	for _, cont := range containers {
		for _, n := range cont.Names {
			if strings.TrimPrefix(n, "/") == name {
				return true, nil
			}
		}
	}
	return false, nil
}
