package imap

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-imap"
)

var errNoFolderSelected = errors.New("no folder selected")

var (
	fullSection   = &imap.BodySectionName{Peek: true}
	headerSection = &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{Specifier: imap.HeaderSpecifier},
		Peek:         true,
	}
)

// FetchNewest fetches the newest n messages of the selected folder.
func (s *imapSession) FetchNewest(n uint32) ([]*RawMessage, error) {
	mbox := s.client.Mailbox()
	if mbox == nil {
		return nil, errNoFolderSelected
	}
	if mbox.Messages == 0 || n == 0 {
		return []*RawMessage{}, nil
	}

	from := uint32(1)
	if mbox.Messages > n {
		from = mbox.Messages - n + 1
	}
	seqSet := new(imap.SeqSet)
	seqSet.AddRange(from, mbox.Messages)

	var uids []uint32
	err := s.bounded(func() error {
		messages := make(chan *imap.Message, n)
		done := make(chan error, 1)

		go func() {
			done <- s.client.Fetch(seqSet, []imap.FetchItem{imap.FetchUid}, messages)
		}()

		for msg := range messages {
			uids = append(uids, msg.Uid)
		}

		if err := <-done; err != nil {
			return fmt.Errorf("failed to fetch newest messages: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.FetchRaw(uids)
}

// FetchRaw fetches the given UIDs in two passes: metadata first, then bodies.
// Messages larger than the size limit get their header section only.
func (s *imapSession) FetchRaw(uids []uint32) ([]*RawMessage, error) {
	if s.folder == "" {
		return nil, errNoFolderSelected
	}
	if len(uids) == 0 {
		return []*RawMessage{}, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	items := []imap.FetchItem{
		imap.FetchEnvelope,
		imap.FetchInternalDate,
		imap.FetchRFC822Size,
		imap.FetchUid,
	}

	metadata, err := s.uidFetch(seqSet, items, len(uids))
	if err != nil {
		return nil, err
	}

	result := make([]*RawMessage, 0, len(metadata))
	byUID := make(map[uint32]*RawMessage, len(metadata))
	full := new(imap.SeqSet)
	headerOnly := new(imap.SeqSet)

	for _, msg := range metadata {
		raw := s.rawFromMetadata(msg)
		result = append(result, raw)
		byUID[raw.UID] = raw
		if raw.HeaderOnly {
			headerOnly.AddNum(raw.UID)
		} else {
			full.AddNum(raw.UID)
		}
	}

	if err := s.fillBodies(full, fullSection, byUID); err != nil {
		return nil, err
	}
	if err := s.fillBodies(headerOnly, headerSection, byUID); err != nil {
		return nil, err
	}

	return result, nil
}

func (s *imapSession) rawFromMetadata(msg *imap.Message) *RawMessage {
	raw := &RawMessage{
		UID:          msg.Uid,
		UIDValidity:  s.uidValidity,
		Folder:       s.folder,
		InternalDate: msg.InternalDate,
		Size:         msg.Size,
		HeaderOnly:   s.maxMessageBytes > 0 && msg.Size > s.maxMessageBytes,
	}

	if env := msg.Envelope; env != nil {
		raw.MessageID = strings.TrimSpace(env.MessageId)
		for _, list := range [][]*imap.Address{env.To, env.Cc, env.Bcc} {
			for _, addr := range list {
				if address := addr.Address(); address != "" && addr.HostName != "" {
					raw.Recipients = append(raw.Recipients, strings.ToLower(address))
				}
			}
		}
	}

	return raw
}

func (s *imapSession) fillBodies(seqSet *imap.SeqSet, section *imap.BodySectionName, byUID map[uint32]*RawMessage) error {
	if seqSet.Empty() {
		return nil
	}

	messages, err := s.uidFetch(seqSet, []imap.FetchItem{section.FetchItem(), imap.FetchUid}, len(byUID))
	if err != nil {
		return err
	}

	for _, msg := range messages {
		raw, ok := byUID[msg.Uid]
		if !ok {
			continue
		}
		literal := msg.GetBody(section)
		if literal == nil {
			continue
		}
		body, err := io.ReadAll(literal)
		if err != nil {
			return fmt.Errorf("failed to read body of UID %d: %w", msg.Uid, err)
		}
		raw.Body = body
	}

	return nil
}

func (s *imapSession) uidFetch(seqSet *imap.SeqSet, items []imap.FetchItem, expected int) ([]*imap.Message, error) {
	var result []*imap.Message
	err := s.bounded(func() error {
		messages := make(chan *imap.Message, expected)
		done := make(chan error, 1)

		go func() {
			done <- s.client.UidFetch(seqSet, items, messages)
		}()

		for msg := range messages {
			result = append(result, msg)
		}

		if err := <-done; err != nil {
			return fmt.Errorf("failed to fetch messages: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}
