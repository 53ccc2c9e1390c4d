package testutil

import (
	"fmt"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/emersion/go-smtp"
)

// DeliverFunc hands an accepted message to its destination mailbox.
type DeliverFunc func(from string, to []string, data []byte) error

// MemoryBackend is an in-memory SMTP backend. Every accepted message is kept and,
// when a DeliverFunc is set, handed on (for example into the test IMAP server).
type MemoryBackend struct {
	mu       sync.Mutex
	messages []*ReceivedMessage
	deliver  DeliverFunc
}

// ReceivedMessage is one message accepted over SMTP.
type ReceivedMessage struct {
	From string
	To   []string
	Data []byte
}

// NewMemoryBackend creates a new in-memory SMTP backend.
func NewMemoryBackend(deliver DeliverFunc) *MemoryBackend {
	return &MemoryBackend{deliver: deliver}
}

// NewSession creates a new SMTP session.
func (b *MemoryBackend) NewSession(*smtp.Conn) (smtp.Session, error) {
	return &memorySession{backend: b}, nil
}

// GetMessages returns all received messages.
func (b *MemoryBackend) GetMessages() []*ReceivedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*ReceivedMessage(nil), b.messages...)
}

type memorySession struct {
	backend *MemoryBackend
	from    string
	to      []string
}

func (s *memorySession) Mail(from string, _ *smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *memorySession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.to = append(s.to, to)
	return nil
}

func (s *memorySession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	s.backend.mu.Lock()
	s.backend.messages = append(s.backend.messages, &ReceivedMessage{
		From: s.from,
		To:   s.to,
		Data: data,
	})
	deliver := s.backend.deliver
	s.backend.mu.Unlock()

	if deliver != nil {
		if err := deliver(s.from, s.to, data); err != nil {
			return &smtp.SMTPError{Code: 451, Message: fmt.Sprintf("delivery failed: %v", err)}
		}
	}
	return nil
}

func (s *memorySession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *memorySession) Logout() error {
	return nil
}

// TestSMTPServer is an inbound SMTP server backed by MemoryBackend.
type TestSMTPServer struct {
	Server  *smtp.Server
	Address string
	Backend *MemoryBackend
	cleanup func()
}

// NewTestSMTPServer starts an SMTP server on a random port for the duration of the test.
func NewTestSMTPServer(t *testing.T, deliver DeliverFunc) *TestSMTPServer {
	t.Helper()

	s, err := StartSMTPServer("127.0.0.1:0", deliver)
	if err != nil {
		t.Fatalf("Failed to start SMTP server: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

// StartSMTPServer starts an SMTP server outside of a test, for local development.
func StartSMTPServer(addr string, deliver DeliverFunc) (*TestSMTPServer, error) {
	be := NewMemoryBackend(deliver)

	s := smtp.NewServer(be)
	s.Addr = addr
	s.AllowInsecureAuth = true
	s.Domain = "localhost"

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	go func() {
		_ = s.Serve(listener)
	}()

	var once sync.Once
	return &TestSMTPServer{
		Server:  s,
		Address: listener.Addr().String(),
		Backend: be,
		cleanup: func() {
			once.Do(func() {
				_ = s.Close()
			})
		},
	}, nil
}

// Close shuts down the SMTP server.
func (s *TestSMTPServer) Close() {
	if s.cleanup != nil {
		s.cleanup()
	}
}

// GetMessages returns all messages received by the server.
func (s *TestSMTPServer) GetMessages() []*ReceivedMessage {
	return s.Backend.GetMessages()
}

// NewTestMailServer starts an IMAP server plus an SMTP server whose accepted mail
// lands in the IMAP INBOX, like a real provider.
func NewTestMailServer(t *testing.T) (*TestIMAPServer, *TestSMTPServer) {
	t.Helper()

	imapServer := NewTestIMAPServer(t)
	smtpServer := NewTestSMTPServer(t, func(_ string, _ []string, data []byte) error {
		return imapServer.Append("INBOX", data)
	})
	return imapServer, smtpServer
}
