package imap

import (
	idle "github.com/emersion/go-imap-idle"
	imapclient "github.com/emersion/go-imap/client"
)

// Idle runs IDLE on the selected folder until stop is closed, translating mailbox
// updates into change events. Servers without IDLE are polled instead.
// The per-command deadline is lifted for the duration, since IDLE waits indefinitely.
func (s *imapSession) Idle(stop <-chan struct{}, updates chan<- ChangeEvent) error {
	if s.folder == "" {
		return errNoFolderSelected
	}

	raw := make(chan imapclient.Update, 10)
	s.client.Updates = raw
	defer func() {
		s.client.Updates = nil
	}()

	idleClient := idle.NewClient(s.client)

	done := make(chan error, 1)
	go func() {
		done <- idleClient.IdleWithFallback(stop, s.idlePoll)
	}()

	for {
		select {
		case err := <-done:
			if err != nil {
				return classifyCommandError(err)
			}
			return nil
		case update := <-raw:
			event, ok := toChangeEvent(update)
			if !ok {
				continue
			}
			select {
			case updates <- event:
			case <-stop:
			}
		}
	}
}

// toChangeEvent keeps mailbox updates that carry a message count.
func toChangeEvent(update imapclient.Update) (ChangeEvent, bool) {
	mboxUpdate, ok := update.(*imapclient.MailboxUpdate)
	if !ok || mboxUpdate.Mailbox == nil {
		return ChangeEvent{}, false
	}

	status := mboxUpdate.Mailbox
	if status.Messages == 0 {
		return ChangeEvent{}, false
	}

	return ChangeEvent{Mailbox: status.Name, Messages: status.Messages}, true
}
