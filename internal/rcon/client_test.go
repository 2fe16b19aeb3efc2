package rcon

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"
)

// fakeServer is a minimal in-process RCON endpoint for tests
type fakeServer struct {
	listener net.Listener
	password string
	// responses maps a command to the packets its reply is split into
	responses map[string][]string
	// emptyBeforeAuth makes the server send an empty response packet
	// before the auth response, which some servers do
	emptyBeforeAuth bool
}

func startFakeServer(t *testing.T, fs *fakeServer) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	fs.listener = ln
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go fs.handle(conn)
		}
	}()

	return ln.Addr().String()
}

func (fs *fakeServer) handle(conn net.Conn) {
	defer conn.Close()

	for {
		id, typ, body, err := readTestPacket(conn)
		if err != nil {
			return
		}

		switch typ {
		case packetAuth:
			if fs.emptyBeforeAuth {
				writeTestPacket(conn, id, packetResponse, "")
			}
			if body == fs.password {
				writeTestPacket(conn, id, packetAuthResponse, "")
			} else {
				writeTestPacket(conn, -1, packetAuthResponse, "")
			}

		case packetExecCommand:
			parts, ok := fs.responses[body]
			if !ok {
				parts = []string{"Unknown command"}
			}
			for _, part := range parts {
				writeTestPacket(conn, id, packetResponse, part)
			}
		}
	}
}

func writeTestPacket(conn net.Conn, id, typ int32, body string) error {
	size := int32(4 + 4 + len(body) + 2)
	buf := make([]byte, 0, 4+size)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(size))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(id))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(typ))
	buf = append(buf, body...)
	buf = append(buf, 0, 0)
	_, err := conn.Write(buf)
	return err
}

func readTestPacket(conn net.Conn) (id, typ int32, body string, err error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(conn, sizeBuf[:]); err != nil {
		return 0, 0, "", err
	}
	size := binary.LittleEndian.Uint32(sizeBuf[:])
	payload := make([]byte, size)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return 0, 0, "", err
	}
	id = int32(binary.LittleEndian.Uint32(payload[0:4]))
	typ = int32(binary.LittleEndian.Uint32(payload[4:8]))
	body = strings.TrimRight(string(payload[8:]), "\x00")
	return id, typ, body, nil
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("bad address %q: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("bad port %q: %v", portStr, err)
	}
	return host, port
}

func TestExecute(t *testing.T) {
	addr := startFakeServer(t, &fakeServer{
		password: "secret",
		responses: map[string][]string{
			"list": {"There are 2 of a max of 20 players online: Alice, Bob"},
		},
	})
	host, port := splitHostPort(t, addr)

	client := NewClient(time.Second)
	response, err := client.Execute(host, port, "secret", "list")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	want := "There are 2 of a max of 20 players online: Alice, Bob"
	if response != want {
		t.Errorf("response = %q, want %q", response, want)
	}
}

func TestExecuteAuthFailure(t *testing.T) {
	addr := startFakeServer(t, &fakeServer{password: "secret"})
	host, port := splitHostPort(t, addr)

	client := NewClient(time.Second)
	_, err := client.Execute(host, port, "wrong", "list")
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("err = %v, want ErrAuthFailed", err)
	}
}

func TestExecuteMultiPacketResponse(t *testing.T) {
	addr := startFakeServer(t, &fakeServer{
		password: "secret",
		responses: map[string][]string{
			"banlist": {"part one ", "part two ", "part three"},
		},
	})
	host, port := splitHostPort(t, addr)

	client := NewClient(time.Second)
	response, err := client.Execute(host, port, "secret", "banlist")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if response != "part one part two part three" {
		t.Errorf("response = %q, want reassembled parts", response)
	}
}

func TestExecuteSkipsEmptyPacketBeforeAuthResponse(t *testing.T) {
	addr := startFakeServer(t, &fakeServer{
		password:        "secret",
		emptyBeforeAuth: true,
		responses: map[string][]string{
			"seed": {"Seed: [12345]"},
		},
	})
	host, port := splitHostPort(t, addr)

	client := NewClient(time.Second)
	response, err := client.Execute(host, port, "secret", "seed")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if response != "Seed: [12345]" {
		t.Errorf("response = %q", response)
	}
}

func TestExecuteUnavailable(t *testing.T) {
	// Grab a port and close it so nothing is listening there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	host, port := splitHostPort(t, addr)

	client := NewClient(time.Second)
	_, err = client.Execute(host, port, "secret", "list")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}
