package domain

// Event kinds for WebSocket delivery
const (
	EventStatusUpdate     = "status_update"
	EventDownloadProgress = "download_progress"
	EventLogLine          = "log_line"
	EventLogs             = "logs" // legacy bulk form
	EventStats            = "stats"
	EventPong             = "pong"
	EventError            = "error"
)

// Stream channels a client may subscribe to
const (
	ChannelDefault       = "default"
	ChannelGameLogs      = "game_logs"
	ChannelContainerLogs = "container_logs"
)

// ValidChannel reports whether ch names a known stream channel.
func ValidChannel(ch string) bool {
	switch ch {
	case ChannelDefault, ChannelGameLogs, ChannelContainerLogs:
		return true
	}
	return false
}

// StreamEvent is one unit pushed to subscribers, discriminated by Type.
// Kind-specific fields are flattened into the message the way clients
// expect them; unused fields are omitted from the JSON.
type StreamEvent struct {
	Type       string            `json:"type"`
	InstanceID int64             `json:"server_id"`
	Channel    string            `json:"channel,omitempty"`
	Status     string            `json:"status,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
	Line       string            `json:"line,omitempty"`
	Logs       string            `json:"logs,omitempty"`
	Message    string            `json:"message,omitempty"`
	Current    int64             `json:"current,omitempty"`
	Total      int64             `json:"total,omitempty"`
	Percentage float64           `json:"percentage,omitempty"`
	Stats      *InstanceStats    `json:"stats,omitempty"`
}

// StatusUpdate builds a status_update event for the default channel.
func StatusUpdate(instanceID int64, status InstanceStatus, message string) StreamEvent {
	ev := StreamEvent{
		Type:       EventStatusUpdate,
		InstanceID: instanceID,
		Channel:    ChannelDefault,
		Status:     string(status),
	}
	if message != "" {
		ev.Details = map[string]string{"message": message}
	}
	return ev
}

// DownloadProgress builds a download_progress event for the default channel.
func DownloadProgress(instanceID int64, current, total int64) StreamEvent {
	var pct float64
	if total > 0 {
		pct = float64(current) / float64(total) * 100
	}
	return StreamEvent{
		Type:       EventDownloadProgress,
		InstanceID: instanceID,
		Channel:    ChannelDefault,
		Current:    current,
		Total:      total,
		Percentage: pct,
	}
}

// LogLine builds a log_line event for the given channel.
func LogLine(instanceID int64, line, channel string) StreamEvent {
	return StreamEvent{
		Type:       EventLogLine,
		InstanceID: instanceID,
		Channel:    channel,
		Line:       line,
	}
}

// StatsEvent builds a stats event for the default channel.
func StatsEvent(instanceID int64, stats InstanceStats) StreamEvent {
	return StreamEvent{
		Type:       EventStats,
		InstanceID: instanceID,
		Channel:    ChannelDefault,
		Stats:      &stats,
	}
}

// ErrorEvent builds an error event for the default channel.
func ErrorEvent(instanceID int64, message string) StreamEvent {
	return StreamEvent{
		Type:       EventError,
		InstanceID: instanceID,
		Channel:    ChannelDefault,
		Message:    message,
	}
}
