// Package imaptest provides an in-process fake of the IMAP protocol boundary.
// Unlike the go-imap memory backend it pushes IDLE updates, so push-mode
// retrieval can be exercised without a network.
package imaptest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/vdavid/aliasmail/internal/imap"
)

var errClosed = errors.New("imaptest: session closed")

// Server is a fake mail provider shared by every account that logs in.
type Server struct {
	mu          sync.Mutex
	folders     map[string][]*imap.RawMessage
	nextUID     map[string]uint32
	uidValidity uint32
	credentials map[string]string
	dialErrors  map[string]error
	idleErrors  map[string]error
	commandErr  error
	watchers    map[*Session]chan struct{}
	dials       int
	sessions    []*Session
}

var _ imap.Dialer = (*Server)(nil)

// NewServer creates a provider with an empty INBOX.
func NewServer() *Server {
	return &Server{
		folders:     map[string][]*imap.RawMessage{"INBOX": nil},
		nextUID:     map[string]uint32{"INBOX": 1},
		uidValidity: 1,
		credentials: make(map[string]string),
		dialErrors:  make(map[string]error),
		idleErrors:  make(map[string]error),
		watchers:    make(map[*Session]chan struct{}),
	}
}

// AddAccount lets username log in with password.
func (s *Server) AddAccount(username, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[username] = password
}

// RevokeAccount rejects further logins and kills open sessions of username.
func (s *Server) RevokeAccount(username string) {
	s.mu.Lock()
	delete(s.credentials, username)
	sessions := append([]*Session(nil), s.sessions...)
	s.mu.Unlock()

	for _, session := range sessions {
		if session.username == username {
			_ = session.Logout()
		}
	}
}

// FailDials makes logins of username fail with err until cleared with a nil err.
func (s *Server) FailDials(username string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.dialErrors, username)
		return
	}
	s.dialErrors[username] = err
}

// FailIdle makes IDLE of username fail immediately with err until cleared with a nil err.
func (s *Server) FailIdle(username string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.idleErrors, username)
		return
	}
	s.idleErrors[username] = err
}

// FailCommands makes every search and fetch fail with err until cleared with nil.
func (s *Server) FailCommands(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commandErr = err
}

// CreateFolder adds an empty folder.
func (s *Server) CreateFolder(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.folders[name]; !ok {
		s.folders[name] = nil
		s.nextUID[name] = 1
	}
}

// DialCount reports how many sessions were opened successfully.
func (s *Server) DialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Deliver appends a message addressed to the given recipients and wakes IDLE watchers.
// An empty messageID leaves the Message-ID header out.
func (s *Server) Deliver(folder, messageID, subject string, to ...string) uint32 {
	var header strings.Builder
	if messageID != "" {
		fmt.Fprintf(&header, "Message-ID: <%s>\r\n", messageID)
	}
	fmt.Fprintf(&header, "From: Sender <sender@example.com>\r\n")
	fmt.Fprintf(&header, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&header, "Subject: %s\r\n", subject)
	fmt.Fprintf(&header, "Content-Type: text/plain; charset=utf-8\r\n\r\n")
	fmt.Fprintf(&header, "Body of %s\r\n", subject)

	return s.DeliverRaw(folder, messageID, to, []byte(header.String()))
}

// DeliverRaw appends a raw message and wakes IDLE watchers.
func (s *Server) DeliverRaw(folder, messageID string, to []string, body []byte) uint32 {
	s.mu.Lock()
	if _, ok := s.folders[folder]; !ok {
		s.folders[folder] = nil
		s.nextUID[folder] = 1
	}
	uid := s.nextUID[folder]
	s.nextUID[folder]++

	recipients := make([]string, 0, len(to))
	for _, addr := range to {
		recipients = append(recipients, strings.ToLower(addr))
	}

	s.folders[folder] = append(s.folders[folder], &imap.RawMessage{
		UID:          uid,
		UIDValidity:  s.uidValidity,
		Folder:       folder,
		MessageID:    messageID,
		Recipients:   recipients,
		InternalDate: time.Now(),
		Size:         uint32(len(body)),
		Body:         body,
	})

	var wake []chan struct{}
	for session, ch := range s.watchers {
		if session.folder == folder {
			wake = append(wake, ch)
		}
	}
	s.mu.Unlock()

	for _, ch := range wake {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return uid
}

// Dial implements imap.Dialer.
func (s *Server) Dial(ctx context.Context, _, username, password string) (imap.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err, ok := s.dialErrors[username]; ok {
		return nil, err
	}
	if expected, ok := s.credentials[username]; !ok || expected != password {
		return nil, fmt.Errorf("failed to authenticate: %w", imap.ErrAuthentication)
	}

	s.dials++
	session := &Session{server: s, username: username}
	s.sessions = append(s.sessions, session)
	return session, nil
}

// Session is one fake authenticated connection.
type Session struct {
	server   *Server
	username string
	folder   string

	mu     sync.Mutex
	closed bool
}

var _ imap.Session = (*Session)(nil)

func (c *Session) check() error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: %w", imap.ErrTransientConnection, errClosed)
	}

	c.server.mu.Lock()
	err := c.server.commandErr
	c.server.mu.Unlock()
	return err
}

func (c *Session) ListFolders() ([]string, error) {
	if err := c.check(); err != nil {
		return nil, err
	}

	c.server.mu.Lock()
	defer c.server.mu.Unlock()

	folders := make([]string, 0, len(c.server.folders))
	for name := range c.server.folders {
		folders = append(folders, name)
	}
	sort.Strings(folders)
	return folders, nil
}

func (c *Session) Select(folder string, _ bool) (*goimap.MailboxStatus, error) {
	if err := c.check(); err != nil {
		return nil, err
	}

	c.server.mu.Lock()
	defer c.server.mu.Unlock()

	messages, ok := c.server.folders[folder]
	if !ok {
		return nil, fmt.Errorf("%w: no such mailbox %s", imap.ErrTransientConnection, folder)
	}
	c.folder = folder

	status := goimap.NewMailboxStatus(folder, nil)
	status.Messages = uint32(len(messages))
	status.UidValidity = c.server.uidValidity
	return status, nil
}

func (c *Session) SearchRecipient(recipient string, since time.Time) ([]uint32, error) {
	if err := c.check(); err != nil {
		return nil, err
	}

	c.server.mu.Lock()
	defer c.server.mu.Unlock()

	needle := strings.ToLower(recipient)
	var uids []uint32
	for _, msg := range c.server.folders[c.folder] {
		if msg.InternalDate.Before(since) {
			continue
		}
		for _, to := range msg.Recipients {
			if strings.Contains(to, needle) {
				uids = append(uids, msg.UID)
				break
			}
		}
	}
	return uids, nil
}

func (c *Session) FetchNewest(n uint32) ([]*imap.RawMessage, error) {
	if err := c.check(); err != nil {
		return nil, err
	}

	c.server.mu.Lock()
	defer c.server.mu.Unlock()

	messages := c.server.folders[c.folder]
	start := 0
	if uint32(len(messages)) > n {
		start = len(messages) - int(n)
	}
	return copyMessages(messages[start:]), nil
}

func (c *Session) FetchRaw(uids []uint32) ([]*imap.RawMessage, error) {
	if err := c.check(); err != nil {
		return nil, err
	}

	c.server.mu.Lock()
	defer c.server.mu.Unlock()

	wanted := make(map[uint32]bool, len(uids))
	for _, uid := range uids {
		wanted[uid] = true
	}

	var selected []*imap.RawMessage
	for _, msg := range c.server.folders[c.folder] {
		if wanted[msg.UID] {
			selected = append(selected, msg)
		}
	}
	return copyMessages(selected), nil
}

// Idle reports a change event for every delivery into the selected folder.
func (c *Session) Idle(stop <-chan struct{}, updates chan<- imap.ChangeEvent) error {
	if err := c.check(); err != nil {
		return err
	}

	c.server.mu.Lock()
	if err, ok := c.server.idleErrors[c.username]; ok {
		c.server.mu.Unlock()
		return err
	}
	wake := make(chan struct{}, 1)
	c.server.watchers[c] = wake
	c.server.mu.Unlock()

	defer func() {
		c.server.mu.Lock()
		delete(c.server.watchers, c)
		c.server.mu.Unlock()
	}()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return nil
		case <-ticker.C:
			if !c.Alive() {
				return fmt.Errorf("%w: %w", imap.ErrTransientConnection, errClosed)
			}
		case <-wake:
			c.server.mu.Lock()
			count := uint32(len(c.server.folders[c.folder]))
			c.server.mu.Unlock()

			select {
			case updates <- imap.ChangeEvent{Mailbox: c.folder, Messages: count}:
			case <-stop:
				return nil
			}
		}
	}
}

func (c *Session) Noop() error {
	return c.check()
}

func (c *Session) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *Session) Logout() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func copyMessages(messages []*imap.RawMessage) []*imap.RawMessage {
	result := make([]*imap.RawMessage, 0, len(messages))
	for _, msg := range messages {
		clone := *msg
		result = append(result, &clone)
	}
	return result
}
