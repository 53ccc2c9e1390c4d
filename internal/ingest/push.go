package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vdavid/aliasmail/internal/imap"
	"github.com/vdavid/aliasmail/internal/models"
)

const inbox = "INBOX"

// watch keeps an IDLE watch on the account's INBOX, re-establishing it every renew
// interval. Repeated failures hand the account over to pull mode.
func (s *Scheduler) watch(ctx context.Context, account *models.Account, done chan struct{}) {
	log := s.logger.WithField("account", account.ID)
	log.Debug("Push watcher started")
	defer log.Debug("Push watcher stopped")

	var retry backoff
	for ctx.Err() == nil {
		err := s.watchOnce(ctx, account)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			retry.reset()
			s.resetPushFailures(account.ID)
			continue
		}

		if errors.Is(err, imap.ErrAuthentication) || errors.Is(err, imap.ErrRateLimited) {
			s.recordOutcome(ctx, account.ID, err)
			return
		}

		if failures := s.pushFailed(account.ID, done, err); failures >= s.opts.MaxPushFailures {
			log.WithError(err).WithField("failures", failures).Warn("Push mode failing, falling back to pull")
			s.fallBackToPull(account.ID, done)
			s.pool.RemoveListener(account.ID)
			return
		}

		delay := retry.next(s.opts.Retry)
		log.WithError(err).WithField("retry_in", delay).Info("Push watch interrupted")
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// watchOnce runs one IDLE session until the renew interval elapses (nil) or
// something fails. Every session starts with a catch-up fetch.
func (s *Scheduler) watchOnce(ctx context.Context, account *models.Account) error {
	conn, release, err := s.pool.Listener(ctx, account)
	if err != nil {
		return err
	}
	defer release()

	session := conn.Session()
	if _, err := session.Select(inbox, true); err != nil {
		s.pool.MarkBroken(conn)
		return err
	}

	renewCtx, cancel := context.WithTimeout(ctx, s.opts.RenewInterval)
	defer cancel()

	trigger := make(chan struct{}, 1)
	trigger <- struct{}{}
	fetchErr := make(chan error, 1)

	var fetches sync.WaitGroup
	fetches.Add(1)
	go func() {
		defer fetches.Done()
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-trigger:
				if _, err := s.fetchNewest(renewCtx, account); err != nil {
					if renewCtx.Err() != nil {
						return
					}
					select {
					case fetchErr <- err:
					default:
					}
					return
				}
				s.recordOutcome(renewCtx, account.ID, nil)
			}
		}
	}()

	updates := make(chan imap.ChangeEvent, 1)
	idleErr := make(chan error, 1)
	go func() {
		idleErr <- session.Idle(renewCtx.Done(), updates)
	}()

	for {
		select {
		case <-updates:
			s.resetPushFailures(account.ID)
			select {
			case trigger <- struct{}{}:
			default:
			}
		case err := <-fetchErr:
			cancel()
			<-idleErr
			fetches.Wait()
			return err
		case err := <-idleErr:
			cancel()
			fetches.Wait()
			if err != nil {
				s.pool.MarkBroken(conn)
				return err
			}
			return nil
		}
	}
}

// fetchNewest pulls the newest messages of the INBOX through a worker session and
// stores the ones addressed to live aliases.
func (s *Scheduler) fetchNewest(ctx context.Context, account *models.Account) (int, error) {
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
	if _, err := session.Select(inbox, true); err != nil {
		s.pool.MarkBroken(conn)
		return 0, err
	}
	raws, err := session.FetchNewest(s.opts.FetchNewest)
	if err != nil {
		s.pool.MarkBroken(conn)
		return 0, err
	}

	live := make(map[string]struct{})
	for _, a := range s.aliases.ByAccount(account.ID) {
		live[a.Address] = struct{}{}
	}

	stored := s.ingest(account.ID, raws, func(raw *imap.RawMessage) []string {
		var matched []string
		for _, recipient := range raw.Recipients {
			if _, ok := live[recipient]; ok {
				matched = append(matched, recipient)
			}
		}
		return matched
	})
	s.accounts.RecordFetch(account.ID, len(raws))
	return stored, nil
}

func (s *Scheduler) pushFailed(accountID string, done chan struct{}, err error) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.states[accountID]
	if state == nil || state.watchDone != done {
		return 0
	}
	state.pushFailures++
	state.lastError = err.Error()
	return state.pushFailures
}

// resetPushFailures clears the failure count once IDLE has proven to work.
func (s *Scheduler) resetPushFailures(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state := s.states[accountID]; state != nil && state.mode == ModePush {
		state.pushFailures = 0
	}
}

func (s *Scheduler) fallBackToPull(accountID string, done chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.states[accountID]
	if state == nil || state.watchDone != done {
		return
	}
	s.stopWatchLocked(state)
	s.startPullLocked(state, s.now())
}
