// Package console couples the RCON client to a command/response surface
// suitable for a web console: errors come back as failed results with a
// readable message instead of propagating.
package console

import (
	"errors"
	"log"
	"regexp"
	"strconv"
	"strings"

	"github.com/craftdock/craftdock/internal/domain"
	"github.com/craftdock/craftdock/internal/rcon"
)

// playerCountRe matches the engine's fixed player-list preamble, e.g.
// "There are 3 of a max of 20 players online: Alice, Bob, Carol"
var playerCountRe = regexp.MustCompile(`There are (\d+) of a max of (\d+)`)

// CommandResult is the outcome of one console command
type CommandResult struct {
	Command  string `json:"command"`
	Response string `json:"response"`
	Success  bool   `json:"success"`
}

// Bridge executes console commands against instances over RCON
type Bridge struct {
	client *rcon.Client
	host   string
}

// NewBridge creates a bridge. host is where instance RCON ports are
// published, normally the daemon host.
func NewBridge(client *rcon.Client, host string) *Bridge {
	if host == "" {
		host = "127.0.0.1"
	}
	return &Bridge{client: client, host: host}
}

// Execute runs a command on an instance. RCON failures never propagate:
// the result carries success=false and the error text as the response so
// the console can render it inline.
func (b *Bridge) Execute(inst *domain.Instance, command string) CommandResult {
	if inst.Status != domain.StatusRunning {
		return CommandResult{
			Command:  command,
			Response: "Server is not running",
			Success:  false,
		}
	}

	response, err := b.client.Execute(b.host, inst.RconPort, inst.RconPassword, command)
	if err != nil {
		return CommandResult{
			Command:  command,
			Response: describeError(err),
			Success:  false,
		}
	}

	return CommandResult{Command: command, Response: response, Success: true}
}

// Players queries the online player list. Unexpected response formats
// fall back to zero players with the raw text preserved for diagnostics.
func (b *Bridge) Players(inst *domain.Instance) domain.PlayerList {
	list := domain.PlayerList{Players: []string{}}

	result := b.Execute(inst, "list")
	if !result.Success {
		return list
	}
	list.Raw = result.Response

	m := playerCountRe.FindStringSubmatch(result.Response)
	if m == nil {
		log.Printf("Unrecognized player list response for instance %d: %q", inst.ID, result.Response)
		return list
	}
	list.OnlinePlayers, _ = strconv.Atoi(m[1])
	list.MaxPlayers, _ = strconv.Atoi(m[2])

	if idx := strings.Index(result.Response, ":"); idx >= 0 {
		for _, name := range strings.Split(result.Response[idx+1:], ",") {
			if name = strings.TrimSpace(name); name != "" {
				list.Players = append(list.Players, name)
			}
		}
	}

	return list
}

// Say broadcasts a chat message to all players on the instance
func (b *Bridge) Say(inst *domain.Instance, message string) bool {
	return b.Execute(inst, "say "+message).Success
}

// StopGracefully asks the server process to save and shut down
func (b *Bridge) StopGracefully(inst *domain.Instance) bool {
	return b.Execute(inst, "stop").Success
}

// describeError turns RCON errors into messages that let the console UI
// distinguish "not yet ready" from hard failures
func describeError(err error) string {
	switch {
	case errors.Is(err, rcon.ErrUnavailable):
		return "RCON not reachable - the server may still be starting"
	case errors.Is(err, rcon.ErrAuthFailed):
		return "RCON authentication failed - check the instance's RCON password"
	case errors.Is(err, rcon.ErrProtocol):
		return "RCON returned a malformed response"
	default:
		return err.Error()
	}
}
