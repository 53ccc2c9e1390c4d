package ingest

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/vdavid/aliasmail/internal/imap"
	"github.com/vdavid/aliasmail/internal/models"
	"golang.org/x/sync/errgroup"
)

// pollAccounts runs one pull cycle per account concurrently. The shared semaphore
// bounds how many of them talk to the provider at once.
func (s *Scheduler) pollAccounts(ctx context.Context, ids []string) {
	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			defer s.clearInFlight(id)

			account, err := s.accounts.Get(id)
			if err != nil {
				return nil
			}
			_, err = s.poll(ctx, account)
			s.recordOutcome(ctx, id, err)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) clearInFlight(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state := s.states[accountID]; state != nil {
		state.inFlight = false
	}
}

// poll searches the inbox and spam folders for mail to each live alias of the
// account and stores what was not seen before. A failing folder does not stop the
// others; the cycle fails only if every folder failed or the session died.
func (s *Scheduler) poll(ctx context.Context, account *models.Account) (int, error) {
	aliases := s.aliases.ByAccount(account.ID)
	if len(aliases) == 0 {
		return 0, nil
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	defer s.sem.Release(1)

	conn, release, err := s.pool.Acquire(ctx, account)
	if err != nil {
		return 0, err
	}
	defer release()

	session := conn.Session()
	names, err := session.ListFolders()
	if err != nil {
		s.pool.MarkBroken(conn)
		return 0, err
	}
	folders := imap.RetrievalFolders(names)
	if len(folders) == 0 {
		return 0, nil
	}

	since := s.now().Add(-s.opts.SearchWindow)
	stored, fetched, failed := 0, 0, 0
	var firstErr error
	for _, folder := range folders {
		n, f, err := s.pollFolder(account.ID, session, folder, aliases, since)
		stored += n
		fetched += f
		if err == nil {
			continue
		}

		if !session.Alive() || errors.Is(err, imap.ErrRateLimited) || errors.Is(err, imap.ErrAuthentication) {
			s.pool.MarkBroken(conn)
			s.accounts.RecordFetch(account.ID, fetched)
			return stored, err
		}
		s.logger.WithError(err).WithField("account", account.ID).WithField("folder", folder).
			Debug("Folder poll failed")
		failed++
		if firstErr == nil {
			firstErr = err
		}
	}

	s.accounts.RecordFetch(account.ID, fetched)
	if failed == len(folders) {
		return stored, firstErr
	}
	return stored, nil
}

// pollFolder returns the number of stored messages, the number fetched and any error.
func (s *Scheduler) pollFolder(accountID string, session imap.Session, folder string, aliases []models.Alias, since time.Time) (int, int, error) {
	status, err := session.Select(folder, true)
	if err != nil {
		return 0, 0, err
	}

	wanted := make(map[uint32][]string)
	for _, a := range aliases {
		uids, err := session.SearchRecipient(a.Address, since)
		if err != nil {
			return 0, 0, err
		}
		for _, uid := range uids {
			if s.seenFor(accountID, location(folder, status.UidValidity, uid), a.Address) {
				continue
			}
			wanted[uid] = append(wanted[uid], a.Address)
		}
	}
	if len(wanted) == 0 {
		return 0, 0, nil
	}

	uids := make([]uint32, 0, len(wanted))
	for uid := range wanted {
		uids = append(uids, uid)
	}
	slices.Sort(uids)

	raws, err := session.FetchRaw(uids)
	if err != nil {
		return 0, 0, err
	}

	stored := s.ingest(accountID, raws, func(raw *imap.RawMessage) []string {
		return matchRecipients(wanted[raw.UID], raw.Recipients)
	})
	return stored, len(raws), nil
}

// matchRecipients narrows the aliases a header search matched to those that are
// actual recipients. Header search is a substring match, so "xjohn@" would also
// match "john@". Without recipient data every candidate is kept.
func matchRecipients(candidates, recipients []string) []string {
	if len(recipients) == 0 {
		return candidates
	}
	var matched []string
	for _, candidate := range candidates {
		if slices.Contains(recipients, candidate) {
			matched = append(matched, candidate)
		}
	}
	return matched
}
