package imap

import (
	"fmt"
	"time"

	"github.com/emersion/go-imap"
)

// recipientHeaders are searched for an alias, matching the envelope fields the
// push path checks.
var recipientHeaders = []string{"To", "Cc", "Bcc"}

// SearchRecipient runs UID SEARCH OR TO <r> OR CC <r> BCC <r> SINCE <date> on the
// selected folder. SINCE is day-granular on the server, so callers may get a few
// older UIDs back.
func (s *imapSession) SearchRecipient(recipient string, since time.Time) ([]uint32, error) {
	criteria := recipientCriteria(recipient)
	if !since.IsZero() {
		criteria.Since = since
	}

	var uids []uint32
	err := s.bounded(func() error {
		var err error
		uids, err = s.client.UidSearch(criteria)
		if err != nil {
			return fmt.Errorf("failed to search %s: %w", s.folder, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return uids, nil
}

// recipientCriteria nests the header matches into OR pairs.
func recipientCriteria(recipient string) *imap.SearchCriteria {
	var match *imap.SearchCriteria
	for i := len(recipientHeaders) - 1; i >= 0; i-- {
		header := imap.NewSearchCriteria()
		header.Header.Add(recipientHeaders[i], recipient)
		if match == nil {
			match = header
			continue
		}
		either := imap.NewSearchCriteria()
		either.Or = [][2]*imap.SearchCriteria{{header, match}}
		match = either
	}
	return match
}
