package testutil

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend"
	"github.com/emersion/go-imap/backend/memory"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
)

const (
	// memoryUser and memoryPassword are the only credentials the go-imap memory backend knows.
	memoryUser     = "username"
	memoryPassword = "password"
)

// MultiAccountBackend lets any number of registered accounts log in to the single
// mailbox of the go-imap memory backend. Credentials can be revoked to simulate a
// provider rejecting a password.
type MultiAccountBackend struct {
	memory      *memory.Backend
	mu          sync.Mutex
	credentials map[string]string
}

var _ backend.Backend = (*MultiAccountBackend)(nil)

// NewMultiAccountBackend creates a backend with the default memory account registered.
func NewMultiAccountBackend() *MultiAccountBackend {
	return &MultiAccountBackend{
		memory:      memory.New(),
		credentials: map[string]string{memoryUser: memoryPassword},
	}
}

// Login checks the account's own credential, then opens the shared memory mailbox.
func (b *MultiAccountBackend) Login(connInfo *imap.ConnInfo, username, password string) (backend.User, error) {
	b.mu.Lock()
	expected, ok := b.credentials[username]
	b.mu.Unlock()

	if !ok || expected != password {
		return nil, backend.ErrInvalidCredentials
	}

	return b.memory.Login(connInfo, memoryUser, memoryPassword)
}

// AddAccount registers (or replaces) an account credential.
func (b *MultiAccountBackend) AddAccount(username, password string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.credentials[username] = password
}

// RevokeAccount makes every further login of the account fail.
func (b *MultiAccountBackend) RevokeAccount(username string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.credentials, username)
}

// TestIMAPServer represents a test IMAP server instance.
type TestIMAPServer struct {
	Server  *server.Server
	Address string
	Backend *MultiAccountBackend
	cleanup func()
}

// NewTestIMAPServer creates a new test IMAP server with an in-memory backend.
// The default account has username "username" and password "password".
func NewTestIMAPServer(t *testing.T) *TestIMAPServer {
	t.Helper()

	s, err := StartIMAPServer("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to start IMAP server: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

// StartIMAPServer starts an in-memory IMAP server outside of a test, for local development.
func StartIMAPServer(addr string) (*TestIMAPServer, error) {
	be := NewMultiAccountBackend()

	s := server.New(be)
	s.AllowInsecureAuth = true

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	go func() {
		_ = s.Serve(listener)
	}()

	var once sync.Once
	return &TestIMAPServer{
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

// Close shuts down the test IMAP server.
func (s *TestIMAPServer) Close() {
	if s.cleanup != nil {
		s.cleanup()
	}
}

// Username returns the default test username.
func (s *TestIMAPServer) Username() string {
	return memoryUser
}

// Password returns the default test password.
func (s *TestIMAPServer) Password() string {
	return memoryPassword
}

// AddAccount lets another mailbox address log in with password.
func (s *TestIMAPServer) AddAccount(username, password string) {
	s.Backend.AddAccount(username, password)
}

// RevokeAccount makes further logins of username fail with invalid credentials.
func (s *TestIMAPServer) RevokeAccount(username string) {
	s.Backend.RevokeAccount(username)
}

// Connect creates a new IMAP client connection to the test server.
func (s *TestIMAPServer) Connect(t *testing.T) (*imapclient.Client, func()) {
	t.Helper()

	client, err := imapclient.Dial(s.Address)
	if err != nil {
		t.Fatalf("Failed to connect to test server: %v", err)
	}

	if err := client.Login(memoryUser, memoryPassword); err != nil {
		_ = client.Logout()
		t.Fatalf("Failed to login: %v", err)
	}

	return client, func() {
		_ = client.Logout()
	}
}

// CreateFolder creates a mailbox, e.g. "Spam".
func (s *TestIMAPServer) CreateFolder(t *testing.T, name string) {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	if err := client.Create(name); err != nil {
		t.Fatalf("Failed to create folder %s: %v", name, err)
	}
}

// Deliver appends a raw RFC 822 message to a folder.
func (s *TestIMAPServer) Deliver(t *testing.T, folderName string, raw []byte) {
	t.Helper()

	if err := s.Append(folderName, raw); err != nil {
		t.Fatalf("Failed to deliver message: %v", err)
	}
}

// Append appends a raw message to a folder over a fresh connection.
func (s *TestIMAPServer) Append(folderName string, raw []byte) error {
	client, err := imapclient.Dial(s.Address)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() {
		_ = client.Logout()
	}()

	if err := client.Login(memoryUser, memoryPassword); err != nil {
		return fmt.Errorf("failed to login: %w", err)
	}

	return client.Append(folderName, nil, time.Now(), strings.NewReader(string(raw)))
}

// AddMessage delivers a plain text message to a folder and returns its UID.
func (s *TestIMAPServer) AddMessage(t *testing.T, folderName, messageID, subject, from, to string, sentAt time.Time) uint32 {
	t.Helper()

	s.Deliver(t, folderName, BuildMessage(messageID, subject, from, to, sentAt))

	client, cleanup := s.Connect(t)
	defer cleanup()

	if _, err := client.Select(folderName, true); err != nil {
		t.Fatalf("Failed to select folder: %v", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.Header.Add("Message-ID", messageID)
	uids, err := client.UidSearch(criteria)
	if err != nil {
		t.Fatalf("Failed to search for message: %v", err)
	}

	if len(uids) == 0 {
		t.Fatalf("Message not found after append")
	}

	return uids[len(uids)-1]
}

// BuildMessage returns a minimal RFC 822 plain text message.
func BuildMessage(messageID, subject, from, to string, sentAt time.Time) []byte {
	body := fmt.Sprintf("Message-ID: %s\r\n"+
		"Date: %s\r\n"+
		"From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"Content-Type: text/plain; charset=utf-8\r\n"+
		"\r\n"+
		"Test message body.\r\n", messageID, sentAt.Format(time.RFC1123Z), from, to, subject)
	return []byte(body)
}
