// Package controlclient implements a minimal Tor control-port client: just
// enough AUTHENTICATE and GETINFO dialogue for the aggregator to pull the
// live consensus (and, through GetRouterDescriptor, a single router
// descriptor). It is
// not a general-purpose control library; it speaks only the commands the
// aggregator needs.
package controlclient

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	torerrors "github.com/opd-ai/tor-bwauth/pkg/errors"
)

// Client holds an authenticated control-port connection.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
}

// Dial connects to addr and authenticates. When cookiePath is non-empty the
// client reads the cookie file and sends a hex AUTHENTICATE; otherwise it
// falls back to a null AUTHENTICATE, matching what a control port configured
// with CookieAuthentication 0 expects.
func Dial(ctx context.Context, addr, cookiePath string) (*Client, error) {
	var d net.Dialer
	var conn net.Conn

	dialErr := torerrors.Retry(ctx, func() error {
		c, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return torerrors.NetworkError("failed to dial control port", err)
		}
		conn = c
		return nil
	})
	if dialErr != nil {
		return nil, dialErr
	}

	c := &Client{
		conn:   conn,
		reader: bufio.NewReader(conn),
	}

	if err := c.authenticate(cookiePath); err != nil {
		conn.Close()
		return nil, err
	}

	return c, nil
}

// Close closes the underlying control-port connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) authenticate(cookiePath string) error {
	if cookiePath == "" {
		if _, err := fmt.Fprintf(c.conn, "AUTHENTICATE\r\n"); err != nil {
			return torerrors.NetworkError("failed to send AUTHENTICATE", err)
		}
	} else {
		cookie, err := os.ReadFile(cookiePath) // #nosec G304 - operator-supplied path
		if err != nil {
			return torerrors.ConfigurationError("failed to read cookie auth file", err)
		}
		if _, err := fmt.Fprintf(c.conn, "AUTHENTICATE %s\r\n", hex.EncodeToString(cookie)); err != nil {
			return torerrors.NetworkError("failed to send AUTHENTICATE", err)
		}
	}

	line, err := c.reader.ReadString('\n')
	if err != nil {
		return torerrors.NetworkError("failed to read AUTHENTICATE reply", err)
	}
	if !strings.HasPrefix(line, "250") {
		return torerrors.ConfigurationError("control port authentication rejected: "+strings.TrimSpace(line), nil)
	}
	return nil
}

// getinfo issues a single-key GETINFO and returns the decoded reply body.
// It handles both single-line ("250-key=value") and multi-line data
// ("250+key=\r\n...\r\n.\r\n") reply forms.
func (c *Client) getinfo(ctx context.Context, key string) ([]byte, error) {
	deadline, ok := ctx.Deadline()
	if ok {
		c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}

	if _, err := fmt.Fprintf(c.conn, "GETINFO %s\r\n", key); err != nil {
		return nil, torerrors.NetworkError("failed to send GETINFO", err)
	}

	var body []byte
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return nil, torerrors.NetworkError("failed to read GETINFO reply", err)
		}
		trimmed := strings.TrimRight(line, "\r\n")

		switch {
		case strings.HasPrefix(trimmed, "250 "):
			return body, nil
		case strings.HasPrefix(trimmed, "250-"+key+"="):
			return []byte(strings.TrimPrefix(trimmed, "250-"+key+"=")), nil
		case strings.HasPrefix(trimmed, "250+"+key+"="):
			data, err := c.readDataBlock()
			if err != nil {
				return nil, err
			}
			body = data
		case strings.HasPrefix(trimmed, "551"), strings.HasPrefix(trimmed, "552"):
			return nil, torerrors.ConsensusError("GETINFO "+key+" failed: "+trimmed, nil)
		}
	}
}

// readDataBlock reads a CRLF dot-terminated data block, unescaping a
// leading ".." on any data line per the control-spec dot-stuffing rule.
func (c *Client) readDataBlock() ([]byte, error) {
	var lines []string
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return nil, torerrors.NetworkError("failed to read GETINFO data block", err)
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "." {
			break
		}
		if strings.HasPrefix(trimmed, "..") {
			trimmed = trimmed[1:]
		}
		lines = append(lines, trimmed)
	}
	return []byte(strings.Join(lines, "\n")), nil
}

// GetConsensus fetches the current bandwidth-authority consensus vote
// document via GETINFO dir/status-vote/current/consensus.
func (c *Client) GetConsensus(ctx context.Context) ([]byte, error) {
	return c.getinfo(ctx, "dir/status-vote/current/consensus")
}

// GetRouterDescriptor fetches a single router descriptor by fingerprint via
// GETINFO dir/server/fp/<fingerprint> and returns the raw reply body. The
// aggregator's round does not call it.
func (c *Client) GetRouterDescriptor(ctx context.Context, fingerprint string) ([]byte, error) {
	return c.getinfo(ctx, "dir/server/fp/"+fingerprint)
}
