package rcon

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/justapithecus/factorio-agent/internal/agenterr"
)

// serveOneAuth accepts a single connection, authenticates it against
// password, and hands the connection to handle for the rest of the
// session. If the password doesn't match it replies with the -1
// rejection id and closes.
func serveOneAuth(t *testing.T, password string, handle func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer ln.Close()
		id, _, payload, err := readPacket(conn)
		if err != nil {
			return
		}
		if payload != password {
			_ = writePacket(conn, -1, typeResponse, "")
			_ = conn.Close()
			return
		}
		_ = writePacket(conn, id, typeResponse, "")
		handle(conn)
	}()
	return ln.Addr().String()
}

func TestDialAuthSuccess(t *testing.T) {
	addr := serveOneAuth(t, "secret", func(conn net.Conn) { _ = conn.Close() })
	c, err := Dial(addr, "secret", time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()
}

func TestDialAuthFailure(t *testing.T) {
	addr := serveOneAuth(t, "secret", func(conn net.Conn) { _ = conn.Close() })
	_, err := Dial(addr, "wrong", time.Second)
	if !agenterr.Is(err, agenterr.RconProtocolError) {
		t.Fatalf("expected RconProtocolError, got %v", err)
	}
}

func TestExecSinglePacketResponse(t *testing.T) {
	addr := serveOneAuth(t, "secret", func(conn net.Conn) {
		defer conn.Close()
		id, _, _, err := readPacket(conn)
		if err != nil {
			return
		}
		_ = writePacket(conn, id, typeResponse, "pong")
	})
	c, err := Dial(addr, "secret", time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	resp, err := c.Exec("ping", time.Second)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if resp != "pong" {
		t.Errorf("resp = %q, want pong", resp)
	}
}

func TestExecMultiPacketResponseJoinsChunks(t *testing.T) {
	addr := serveOneAuth(t, "secret", func(conn net.Conn) {
		defer conn.Close()
		id, _, _, err := readPacket(conn)
		if err != nil {
			return
		}
		big := strings.Repeat("x", responseChunkLimit)
		_ = writePacket(conn, id, typeResponse, big)
		_ = writePacket(conn, id, typeResponse, "tail")
	})
	c, err := Dial(addr, "secret", time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	resp, err := c.Exec("dump", time.Second)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if !strings.HasSuffix(resp, "tail") {
		t.Errorf("expected joined response to end with tail, got suffix %q", resp[len(resp)-10:])
	}
}

func TestExecRejectsEmptyCommand(t *testing.T) {
	addr := serveOneAuth(t, "secret", func(conn net.Conn) { _ = conn.Close() })
	c, err := Dial(addr, "secret", time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if _, err := c.Exec("", time.Second); !agenterr.Is(err, agenterr.BadRequest) {
		t.Fatalf("expected BadRequest, got %v", err)
	}
}

func TestExecTimesOutWhenServerNeverResponds(t *testing.T) {
	addr := serveOneAuth(t, "secret", func(conn net.Conn) {
		time.Sleep(500 * time.Millisecond)
		_ = conn.Close()
	})
	c, err := Dial(addr, "secret", time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	_, err = c.Exec("slow", 50*time.Millisecond)
	if !agenterr.Is(err, agenterr.RconTimeout) {
		t.Fatalf("expected RconTimeout, got %v", err)
	}
}
