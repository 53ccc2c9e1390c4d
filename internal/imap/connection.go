package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"
)

const (
	defaultDialTimeout    = 5 * time.Second
	defaultIdlePoll       = 5 * time.Second
	defaultMaxMessageSize = 10 << 20
)

// Dialer opens authenticated sessions. Login failures come back classified as
// ErrAuthentication, ErrRateLimited or ErrTransientConnection.
type Dialer interface {
	Dial(ctx context.Context, server, username, password string) (Session, error)
}

// TCPDialer dials real IMAP servers.
type TCPDialer struct {
	// UseTLS is true for real providers and false for the in-memory test server.
	UseTLS          bool
	Timeout         time.Duration
	CommandTimeout  time.Duration
	MaxMessageBytes uint32
	// IdlePoll is the polling interval used when the server lacks IDLE.
	IdlePoll time.Duration
	Logger   *logrus.Logger
}

var _ Dialer = (*TCPDialer)(nil)

// Dial connects and logs in. The context bounds the wait before dialing; the
// connection itself is bounded by Timeout. Each later command is bounded by CommandTimeout.
func (d *TCPDialer) Dial(ctx context.Context, server, username, password string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}

	c, conn, err := ConnectToIMAP(server, d.UseTLS, timeout)
	if err != nil {
		return nil, err
	}
	if d.Logger != nil {
		c.ErrorLog = d.Logger
	}

	if err := Login(c, username, password); err != nil {
		_ = c.Logout()
		return nil, err
	}

	maxBytes := d.MaxMessageBytes
	if maxBytes == 0 {
		maxBytes = defaultMaxMessageSize
	}
	poll := d.IdlePoll
	if poll <= 0 {
		poll = defaultIdlePoll
	}

	return &imapSession{
		client:          c,
		conn:            conn,
		commandTimeout:  d.CommandTimeout,
		maxMessageBytes: maxBytes,
		idlePoll:        poll,
	}, nil
}

// ConnectToIMAP connects to the IMAP server and waits for the greeting, bounded by timeout.
// useTLS: true for production (TLS), false for tests (non-TLS).
// The raw connection is returned alongside the client so callers can manage deadlines.
func ConnectToIMAP(server string, useTLS bool, timeout time.Duration) (*client.Client, net.Conn, error) {
	dialer := &net.Dialer{
		Timeout: timeout,
	}

	conn, err := dialer.Dial("tcp", server)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: failed to dial: %w", ErrTransientConnection, err)
	}

	if useTLS {
		host, _, _ := net.SplitHostPort(server)
		conn = tls.Client(conn, &tls.Config{ServerName: host})
	}

	// The greeting is read inside client.New, so the deadline has to be on the conn.
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("%w: failed to set deadline: %w", ErrTransientConnection, err)
	}

	c, err := client.New(conn)
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("%w: failed to read greeting: %w", ErrTransientConnection, err)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		_ = c.Logout()
		return nil, nil, fmt.Errorf("%w: failed to clear deadline: %w", ErrTransientConnection, err)
	}

	return c, conn, nil
}

// Login authenticates with the IMAP server and classifies the failure.
func Login(c *client.Client, username, password string) error {
	if err := c.Login(username, password); err != nil {
		return fmt.Errorf("failed to authenticate: %w", classifyLoginError(err))
	}

	return nil
}
