package imap

import (
	"fmt"
	"strings"

	"github.com/emersion/go-imap"
)

// retrievalFolders are searched for alias mail, in order. Only the ones that exist are used.
var retrievalFolders = []string{"INBOX", "Spam", "Junk", "[Gmail]/Spam"}

// ListFolders lists all folders on the IMAP server.
func (s *imapSession) ListFolders() ([]string, error) {
	var folders []string
	err := s.bounded(func() error {
		mailboxes := make(chan *imap.MailboxInfo, 10)
		done := make(chan error, 1)

		go func() {
			done <- s.client.List("", "*", mailboxes)
		}()

		for m := range mailboxes {
			folders = append(folders, m.Name)
		}

		if err := <-done; err != nil {
			return fmt.Errorf("failed to list folders: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return folders, nil
}

// RetrievalFolders picks the inbox and spam folders present on the server.
// INBOX matches case-insensitively, as IMAP requires.
func RetrievalFolders(available []string) []string {
	present := make(map[string]string, len(available))
	for _, name := range available {
		key := name
		if strings.EqualFold(name, "INBOX") {
			key = "INBOX"
		}
		present[key] = name
	}

	var folders []string
	for _, wanted := range retrievalFolders {
		if name, ok := present[wanted]; ok {
			folders = append(folders, name)
		}
	}
	return folders
}
