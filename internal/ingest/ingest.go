package ingest

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/vdavid/aliasmail/internal/imap"
)

// ingest parses each raw message once per matched alias, stores it and notifies
// subscribers for entries that were new. Messages are handled oldest first so
// subscribers see them in arrival order.
func (s *Scheduler) ingest(accountID string, raws []*imap.RawMessage, match func(*imap.RawMessage) []string) int {
	slices.SortFunc(raws, func(a, b *imap.RawMessage) int {
		if c := strings.Compare(a.Folder, b.Folder); c != 0 {
			return c
		}
		return cmp.Compare(a.UID, b.UID)
	})

	stored := 0
	for _, raw := range raws {
		loc := location(raw.Folder, raw.UIDValidity, raw.UID)
		for _, alias := range match(raw) {
			if s.seenFor(accountID, loc, alias) {
				continue
			}
			msg := imap.Parse(raw, alias)
			if s.store.Put(msg) {
				stored++
				s.publisher.Publish(alias, msg)
			}
			s.markSeen(accountID, loc, alias)
		}
	}
	return stored
}

func location(folder string, uidValidity, uid uint32) string {
	return fmt.Sprintf("%s/%d/%d", folder, uidValidity, uid)
}

func (s *Scheduler) seenFor(accountID, loc, alias string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.states[accountID]
	if state == nil {
		return false
	}
	entry := state.seen[loc]
	if entry == nil {
		return false
	}
	_, ok := entry.aliases[alias]
	return ok
}

func (s *Scheduler) markSeen(accountID, loc, alias string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.states[accountID]
	if state == nil {
		return
	}
	entry := state.seen[loc]
	if entry == nil {
		entry = &seenEntry{aliases: make(map[string]struct{})}
		state.seen[loc] = entry
	}
	entry.aliases[alias] = struct{}{}
	entry.at = s.now()
}

// pruneSeen forgets locations older than the search window; search never returns them again.
func (s *Scheduler) pruneSeen(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-s.opts.SearchWindow)
	for _, state := range s.states {
		for loc, entry := range state.seen {
			if entry.at.Before(cutoff) {
				delete(state.seen, loc)
			}
		}
	}
}
