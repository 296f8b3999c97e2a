package pds

import (
	"context"
	"errors"
	"fmt"

	"github.com/jrhy/pds/firehose"
	"github.com/jrhy/pds/repo"
	"github.com/sirupsen/logrus"
)

// logged is what the event log already says about an account.
type logged struct {
	commits map[string]bool
	last    *firehose.Event
}

// recoverOutbox reconciles the outbox with the repositories and the event
// log after a restart. An event whose change was never made is dropped, and
// so is one that reached the log before it could be removed.
func (s *Server) recoverOutbox(ctx context.Context) error {
	queues := map[string][]outboxEntry{}
	var dids []string
	err := s.outbox.Pending(ctx, "", func(did string, id uint64, frame []byte) error {
		if _, ok := queues[did]; !ok {
			dids = append(dids, did)
		}
		queues[did] = append(queues[did], outboxEntry{id, frame})
		return nil
	})
	if err != nil {
		return err
	}
	if len(dids) == 0 {
		return nil
	}
	history, err := s.scanLog(ctx, queues)
	if err != nil {
		return fmt.Errorf("scan event log: %w", err)
	}
	kept := 0
	for _, did := range dids {
		queue := queues[did]
		first := true
		for i, e := range queue {
			ev, err := firehose.DecodePending(e.frame)
			if err != nil {
				return fmt.Errorf("%s entry %d: %w", did, e.id, err)
			}
			reason, err := s.unneeded(ctx, ev, first, i == len(queue)-1, history[did])
			if err != nil {
				return fmt.Errorf("%s entry %d: %w", did, e.id, err)
			}
			if reason == "" {
				first = false
				kept++
				continue
			}
			if err := s.outbox.Remove(ctx, did, e.id); err != nil {
				return err
			}
			s.log.WithFields(logrus.Fields{"did": did, "kind": ev.Kind, "id": e.id, "reason": reason}).Info("dropped queued event")
		}
	}
	if kept > 0 {
		s.log.WithField("events", kept).Warn("found unsequenced events")
	}
	return nil
}

// scanLog reads the retained log for the accounts in queues.
func (s *Server) scanLog(ctx context.Context, queues map[string][]outboxEntry) (map[string]*logged, error) {
	l := s.opts.Firehose.Log
	first, err := l.First(ctx)
	if err != nil {
		return nil, err
	}
	last, err := l.Last(ctx)
	if err != nil {
		return nil, err
	}
	history := map[string]*logged{}
	if last == 0 {
		return history, nil
	}
	err = l.Range(ctx, first, last+1, func(seq uint64, frame []byte) error {
		ev, err := firehose.Decode(frame)
		if err != nil {
			return fmt.Errorf("event %d: %w", seq, err)
		}
		if _, ok := queues[ev.DID]; !ok {
			return nil
		}
		h := history[ev.DID]
		if h == nil {
			h = &logged{commits: map[string]bool{}}
			history[ev.DID] = h
		}
		if ev.Kind == firehose.KindCommit {
			h.commits[ev.Commit.Cid.KeyString()] = true
		}
		h.last = ev
		return nil
	})
	return history, err
}

// unneeded says why a queued event shouldn't be sequenced, or returns ""
// if it should. Commits are checked against the account's chain. A status
// change can only be checked when it is the last thing queued, and an
// identity change not at all. Apart from commits, an event counts as
// sequenced only if it is the account's first queued event and matches the
// account's last logged event.
func (s *Server) unneeded(ctx context.Context, ev *firehose.Event, first, last bool, h *logged) (string, error) {
	if h == nil {
		h = &logged{}
	}
	if ev.Kind == firehose.KindCommit {
		if h.commits[ev.Commit.Cid.KeyString()] {
			return "already sequenced", nil
		}
		found, err := s.engine.HasCommit(ctx, ev.DID, ev.Commit.Cid, ev.Commit.Rev)
		if errors.Is(err, repo.ErrRepoNotFound) {
			return "no repo", nil
		} else if err != nil {
			return "", err
		}
		if !found {
			return "commit not made", nil
		}
		return "", nil
	}
	if first && sameEvent(h.last, ev) {
		return "already sequenced", nil
	}
	head, err := s.engine.Head(ctx, ev.DID)
	if errors.Is(err, repo.ErrRepoNotFound) {
		return "no repo", nil
	} else if err != nil {
		return "", err
	}
	switch ev.Kind {
	case firehose.KindTombstone:
		if head.Status != repo.StatusDeleted {
			return "repo not deleted", nil
		}
	case firehose.KindAccount:
		status := ev.Account.Status
		if ev.Account.Active {
			status = repo.StatusActive
		}
		if last && head.Status != status {
			return "status not changed", nil
		}
	}
	return "", nil
}

func sameEvent(a, b *firehose.Event) bool {
	if a == nil || b == nil || a.Kind != b.Kind || a.DID != b.DID {
		return false
	}
	switch a.Kind {
	case firehose.KindAccount:
		return *a.Account == *b.Account
	case firehose.KindIdentity:
		return a.Identity.Handle == b.Identity.Handle
	}
	return true
}
