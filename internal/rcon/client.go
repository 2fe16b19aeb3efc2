// Package rcon implements the Source RCON protocol used by Minecraft
// servers: a TCP stream of length-prefixed packets carrying one
// authentication handshake followed by command/response exchanges.
package rcon

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

var (
	// ErrUnavailable means the server did not accept the connection,
	// typically because the instance has not finished starting.
	ErrUnavailable = errors.New("rcon unavailable")
	// ErrAuthFailed means the server rejected the password.
	ErrAuthFailed = errors.New("rcon authentication failed")
	// ErrProtocol means the server sent a malformed or unexpected packet.
	ErrProtocol = errors.New("rcon protocol error")
)

// Packet types per the Source RCON specification. Auth responses reuse
// the exec-command type value.
const (
	packetAuth         = 3
	packetExecCommand  = 2
	packetAuthResponse = 2
	packetResponse     = 0
)

const maxPacketSize = 4110 // largest size field a server may send

// drainTimeout bounds the wait for trailing response packets when the
// server splits a long reply across several packets.
const drainTimeout = 200 * time.Millisecond

// Client executes commands against RCON endpoints. A fresh connection
// is opened per command; Minecraft RCON sessions are cheap and holding
// them open risks the server dropping idle sockets silently.
type Client struct {
	timeout time.Duration
}

// NewClient creates a client with the given connect/response timeout
func NewClient(timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{timeout: timeout}
}

// Execute connects, authenticates, runs one command, and returns the
// reassembled response text. No retries; callers decide.
func (c *Client) Execute(host string, port int, password, command string) (string, error) {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	conn, err := net.DialTimeout("tcp", addr, c.timeout)
	if err != nil {
		return "", fmt.Errorf("connecting to %s: %w", addr, ErrUnavailable)
	}
	defer conn.Close()

	session := &session{conn: conn, timeout: c.timeout}

	if err := session.authenticate(password); err != nil {
		return "", err
	}
	return session.execute(command)
}

// session is one authenticated connection with its request-id counter
type session struct {
	conn      net.Conn
	timeout   time.Duration
	requestID int32
}

func (s *session) nextID() int32 {
	s.requestID++
	return s.requestID
}

func (s *session) authenticate(password string) error {
	authID := s.nextID()
	if err := s.writePacket(authID, packetAuth, password); err != nil {
		return err
	}

	// Some servers send an empty response packet before the auth
	// response; skip until we see the auth response type.
	for {
		id, typ, _, err := s.readPacket(s.timeout)
		if err != nil {
			return err
		}
		if typ != packetAuthResponse {
			continue
		}
		if id == -1 {
			return ErrAuthFailed
		}
		if id != authID {
			return fmt.Errorf("auth response id mismatch: %w", ErrProtocol)
		}
		return nil
	}
}

func (s *session) execute(command string) (string, error) {
	cmdID := s.nextID()
	if err := s.writePacket(cmdID, packetExecCommand, command); err != nil {
		return "", err
	}

	id, typ, body, err := s.readPacket(s.timeout)
	if err != nil {
		return "", err
	}
	if typ != packetResponse || id != cmdID {
		return "", fmt.Errorf("unexpected response packet (id=%d type=%d): %w", id, typ, ErrProtocol)
	}

	// Long responses arrive as several packets. Keep reading with a
	// short deadline and treat a timeout as end of response.
	var response strings.Builder
	response.WriteString(body)
	for {
		id, typ, body, err := s.readPacket(drainTimeout)
		if err != nil {
			if isTimeout(err) {
				break
			}
			if errors.Is(err, io.EOF) {
				break
			}
			return "", err
		}
		if typ != packetResponse || id != cmdID {
			break
		}
		response.WriteString(body)
	}

	return response.String(), nil
}

// writePacket frames and sends one packet:
// int32 LE size, int32 LE request id, int32 LE type, body, 2 NUL bytes
func (s *session) writePacket(id, typ int32, body string) error {
	payload := []byte(body)
	size := int32(4 + 4 + len(payload) + 2)

	buf := make([]byte, 0, 4+size)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(size))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(id))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(typ))
	buf = append(buf, payload...)
	buf = append(buf, 0, 0)

	s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
	if _, err := s.conn.Write(buf); err != nil {
		return fmt.Errorf("writing packet: %w", ErrUnavailable)
	}
	return nil
}

func (s *session) readPacket(timeout time.Duration) (id, typ int32, body string, err error) {
	s.conn.SetReadDeadline(time.Now().Add(timeout))

	var sizeBuf [4]byte
	if _, err := io.ReadFull(s.conn, sizeBuf[:]); err != nil {
		return 0, 0, "", readErr(err)
	}
	size := int32(binary.LittleEndian.Uint32(sizeBuf[:]))
	if size < 10 || size > maxPacketSize {
		return 0, 0, "", fmt.Errorf("packet size %d out of range: %w", size, ErrProtocol)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(s.conn, payload); err != nil {
		return 0, 0, "", readErr(err)
	}

	id = int32(binary.LittleEndian.Uint32(payload[0:4]))
	typ = int32(binary.LittleEndian.Uint32(payload[4:8]))
	body = strings.TrimRight(string(payload[8:]), "\x00")
	return id, typ, body, nil
}

// readErr preserves timeouts so the response drain can detect them,
// and maps everything else to a protocol error.
func readErr(err error) error {
	if isTimeout(err) {
		return err
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("connection closed mid-packet: %w", io.EOF)
	}
	return fmt.Errorf("reading packet: %w", ErrProtocol)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
