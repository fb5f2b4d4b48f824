package rcon

import (
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/justapithecus/factorio-agent/internal/agenterr"
)

// responseChunkLimit is the payload size below which a response packet
// is assumed to be the final fragment. Factorio, like the vanilla
// Source protocol, does not send an explicit end-of-response marker;
// callers infer completion from a short trailing packet.
const responseChunkLimit = 4000

// Client is a single authenticated Source-RCON connection. Commands
// are serialised: Exec holds the client for the full round trip so at
// most one command is ever in flight.
type Client struct {
	mu        sync.Mutex
	conn      net.Conn
	requestID int32
}

// Dial opens a TCP connection to addr and authenticates with password.
// timeout bounds both the dial and the auth round trip.
func Dial(addr, password string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.RconNotConnected, addr, err)
	}
	c := &Client{conn: conn}
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		_ = conn.Close()
		return nil, agenterr.Wrap(agenterr.RconNotConnected, addr, err)
	}
	if err := c.auth(password); err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return c, nil
}

func (c *Client) nextID() int32 {
	c.requestID++
	return c.requestID
}

func (c *Client) auth(password string) error {
	id := c.nextID()
	if err := writePacket(c.conn, id, typeAuth, password); err != nil {
		return agenterr.Wrap(agenterr.RconProtocolError, "send auth", err)
	}
	respID, _, _, err := readPacket(c.conn)
	if err != nil {
		return classifyReadErr(err)
	}
	if respID == -1 {
		return agenterr.New(agenterr.RconProtocolError, "authentication rejected")
	}
	return nil
}

// Exec sends cmd and returns its (possibly multi-packet) response.
// timeout bounds the whole exchange.
func (c *Client) Exec(cmd string, timeout time.Duration) (string, error) {
	if cmd == "" {
		return "", agenterr.New(agenterr.BadRequest, "rcon command must not be empty")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return "", agenterr.Wrap(agenterr.RconProtocolError, "set deadline", err)
	}
	defer func() { _ = c.conn.SetDeadline(time.Time{}) }()

	reqID := c.nextID()
	if err := writePacket(c.conn, reqID, typeCommand, cmd); err != nil {
		return "", agenterr.Wrap(agenterr.RconProtocolError, "send command", err)
	}

	var parts []string
	for {
		id, _, payload, err := readPacket(c.conn)
		if err != nil {
			if len(parts) > 0 {
				return strings.Join(parts, "\n"), nil
			}
			return "", classifyReadErr(err)
		}
		if id != reqID {
			continue
		}
		parts = append(parts, payload)
		if len(payload) < responseChunkLimit {
			break
		}
	}
	return strings.Join(parts, "\n"), nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func classifyReadErr(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return agenterr.Wrap(agenterr.RconTimeout, "waiting for response", err)
	}
	return agenterr.Wrap(agenterr.RconProtocolError, "read packet", err)
}
