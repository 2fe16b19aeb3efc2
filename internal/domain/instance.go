package domain

import "time"

// InstanceType identifies the server engine running inside the container.
type InstanceType string

const (
	TypeVanilla  InstanceType = "vanilla"
	TypePaper    InstanceType = "paper"
	TypeSpigot   InstanceType = "spigot"
	TypeFabric   InstanceType = "fabric"
	TypeForge    InstanceType = "forge"
	TypeNeoForge InstanceType = "neoforge"
	TypePurpur   InstanceType = "purpur"
)

// ValidInstanceType reports whether t names a supported engine.
func ValidInstanceType(t InstanceType) bool {
	switch t {
	case TypeVanilla, TypePaper, TypeSpigot, TypeFabric, TypeForge, TypeNeoForge, TypePurpur:
		return true
	}
	return false
}

// InstanceStatus is the lifecycle state of an instance.
type InstanceStatus string

const (
	StatusStopped      InstanceStatus = "stopped"
	StatusDownloading  InstanceStatus = "downloading"
	StatusInitializing InstanceStatus = "initializing"
	StatusStarting     InstanceStatus = "starting"
	StatusRunning      InstanceStatus = "running"
	StatusStopping     InstanceStatus = "stopping"
	StatusError        InstanceStatus = "error"

	// StatusDeleted is terminal and only ever observed in the final
	// status_update pushed to subscribers; the record itself is removed.
	StatusDeleted InstanceStatus = "deleted"
)

// Instance is one managed game server backed by one container
type Instance struct {
	ID            int64          `json:"id"`
	Name          string         `json:"name"`
	Description   string         `json:"description,omitempty"`
	Type          InstanceType   `json:"type"`
	Version       string         `json:"version"`
	Port          int            `json:"port"`
	RconPort      int            `json:"rcon_port"`
	RconPassword  string         `json:"-"`
	MemoryMB      int            `json:"memory_mb"`
	ContainerID   string         `json:"container_id,omitempty"`
	ContainerName string         `json:"container_name"`
	Status        InstanceStatus `json:"status"`
	Active        bool           `json:"active"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	LastStartedAt *time.Time     `json:"last_started_at,omitempty"`
	LastStoppedAt *time.Time     `json:"last_stopped_at,omitempty"`
}

// InstanceStats is a point-in-time resource snapshot for an instance.
// All values are zero when the instance is not running.
type InstanceStats struct {
	InstanceID    int64          `json:"instance_id"`
	Status        InstanceStatus `json:"status"`
	CPUPercent    float64        `json:"cpu_percent"`
	MemoryUsageMB float64        `json:"memory_usage_mb"`
	MemoryLimitMB float64        `json:"memory_limit_mb"`
	MemoryPercent float64        `json:"memory_percent"`
}

// PlayerList is the parsed result of the engine's player query.
type PlayerList struct {
	OnlinePlayers int      `json:"online_players"`
	MaxPlayers    int      `json:"max_players"`
	Players       []string `json:"players"`
	Raw           string   `json:"-"`
}
