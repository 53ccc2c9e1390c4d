package imap

import (
	"net"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// Session is the protocol surface the engine needs from one authenticated IMAP connection.
// Implementations are not safe for concurrent use; the pool hands each one to a single owner.
type Session interface {
	// ListFolders returns every mailbox name on the server.
	ListFolders() ([]string, error)
	// Select opens a folder. Retrieval always selects read-only so \Seen flags stay untouched.
	Select(folder string, readOnly bool) (*imap.MailboxStatus, error)
	// SearchRecipient returns the UIDs in the selected folder addressed to recipient since the given time.
	SearchRecipient(recipient string, since time.Time) ([]uint32, error)
	// FetchNewest returns the newest n messages of the selected folder.
	FetchNewest(n uint32) ([]*RawMessage, error)
	// FetchRaw returns the messages with the given UIDs from the selected folder.
	FetchRaw(uids []uint32) ([]*RawMessage, error)
	// Idle blocks, reporting mailbox changes on updates, until stop is closed or the connection fails.
	Idle(stop <-chan struct{}, updates chan<- ChangeEvent) error
	Noop() error
	Alive() bool
	Logout() error
}

// RawMessage is a fetched message before parsing.
type RawMessage struct {
	UID          uint32
	UIDValidity  uint32
	Folder       string
	MessageID    string
	Recipients   []string
	InternalDate time.Time
	Size         uint32
	// HeaderOnly is set when the body was skipped because the message exceeded the size limit.
	HeaderOnly bool
	Body       []byte
}

// ChangeEvent reports that a watched mailbox changed.
type ChangeEvent struct {
	Mailbox  string
	Messages uint32
}

// imapSession implements Session on top of a go-imap client.
type imapSession struct {
	client          *client.Client
	conn            net.Conn
	commandTimeout  time.Duration
	maxMessageBytes uint32
	idlePoll        time.Duration
	folder          string
	uidValidity     uint32
}

var _ Session = (*imapSession)(nil)

// bounded runs one command under the per-command deadline and clears it afterwards,
// so that an idle pooled connection is not torn down by a stale deadline.
func (s *imapSession) bounded(command func() error) error {
	if s.commandTimeout > 0 {
		s.client.Timeout = s.commandTimeout
		defer func() {
			s.client.Timeout = 0
			if s.conn != nil {
				_ = s.conn.SetDeadline(time.Time{})
			}
		}()
	}
	return classifyCommandError(command())
}

func (s *imapSession) Select(folder string, readOnly bool) (*imap.MailboxStatus, error) {
	var status *imap.MailboxStatus
	err := s.bounded(func() error {
		var err error
		status, err = s.client.Select(folder, readOnly)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.folder = folder
	s.uidValidity = status.UidValidity
	return status, nil
}

func (s *imapSession) Noop() error {
	return s.bounded(s.client.Noop)
}

// Alive reports whether the connection is still authenticated.
func (s *imapSession) Alive() bool {
	state := s.client.State()
	return state == imap.AuthenticatedState || state == imap.SelectedState
}

func (s *imapSession) Logout() error {
	return s.client.Logout()
}
