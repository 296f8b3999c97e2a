package pds

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jrhy/pds/firehose"
	"github.com/jrhy/pds/repo"
	"github.com/jrhy/pds/signing"
	"github.com/sirupsen/logrus"
)

// Authenticator identifies the account an HTTP request acts for.
type Authenticator interface {
	Authenticate(r *http.Request) (did string, err error)
}

// ErrUnauthorized is returned by an Authenticator that can't identify the
// caller.
var ErrUnauthorized = errors.New("unauthorized")

// TokenAuthenticator maps bearer tokens to DIDs.
type TokenAuthenticator map[string]string

func (t TokenAuthenticator) Authenticate(r *http.Request) (string, error) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return "", ErrUnauthorized
	}
	did, ok := t[token]
	if !ok {
		return "", ErrUnauthorized
	}
	return did, nil
}

// Options wire a Server to its storage.
type Options struct {
	Repo repo.Config
	// Firehose configures the sequencer. Its Log is required.
	Firehose firehose.Config
	// Outbox holds events between the change they report and their
	// sequencing. Nil keeps them in memory, where a restart loses them.
	Outbox firehose.Outbox
	// Auth enables the write endpoints.
	Auth Authenticator
	// Hostname and Relays, if set, make Run ask the relays to crawl this
	// server every CrawlInterval while nobody is subscribed.
	Hostname      string
	Relays        []string
	CrawlInterval time.Duration
	// GCInterval, if positive, makes Run collect garbage in every account
	// that often.
	GCInterval time.Duration
	Logger     *logrus.Logger
}

// Server ties the repository engine to the firehose: every change to an
// account is sequenced in the order it was made.
type Server struct {
	opts   Options
	log    *logrus.Logger
	engine *repo.Engine
	seq    *firehose.Sequencer

	locks  accountLocks
	outbox firehose.Outbox

	// per account, the last outbox id sequenced but not yet removed
	dl   sync.Mutex
	done map[string]uint64

	closers []func() error
	// compact, if set, reclaims space after garbage collection
	compact func() error
}

// SequencingError is a change that was made but whose event could not be
// sequenced yet. The event stays queued; it is sequenced before the
// account's next event, or by RetryUnsequenced.
type SequencingError struct {
	DID  string
	Kind firehose.Kind
	Err  error
}

func (e *SequencingError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("events for %s not sequenced: %v", e.DID, e.Err)
	}
	return fmt.Sprintf("%s event for %s not sequenced: %v", e.Kind, e.DID, e.Err)
}

func (e *SequencingError) Unwrap() error { return e.Err }

func New(ctx context.Context, opts Options) (*Server, error) {
	log := opts.Logger
	if log == nil {
		log = logrus.New()
	}
	if opts.Repo.Clock == nil {
		opts.Repo.Clock = repo.NewClock(0)
	}
	if opts.Repo.Logger == nil {
		opts.Repo.Logger = log
	}
	if opts.Firehose.Logger == nil {
		opts.Firehose.Logger = log
	}
	if opts.Outbox == nil {
		opts.Outbox = firehose.NewMemoryOutbox()
	}
	engine, err := repo.NewEngine(opts.Repo)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	seq, err := firehose.NewSequencer(ctx, opts.Firehose)
	if err != nil {
		return nil, fmt.Errorf("sequencer: %w", err)
	}
	s := &Server{
		opts:   opts,
		log:    log,
		engine: engine,
		seq:    seq,
		outbox: opts.Outbox,
		done:   map[string]uint64{},
	}
	if err := s.recoverOutbox(ctx); err != nil {
		seq.Close()
		return nil, fmt.Errorf("outbox: %w", err)
	}
	if err := s.RetryUnsequenced(ctx); err != nil {
		log.WithError(err).Error("events still not sequenced")
	}
	return s, nil
}

func (s *Server) Engine() *repo.Engine {
	return s.engine
}

func (s *Server) Sequencer() *firehose.Sequencer {
	return s.seq
}

// CreateAccount registers the account's signing key and creates its empty
// repository. No event is sequenced until the account's first write.
func (s *Server) CreateAccount(ctx context.Context, did string, key *signing.PrivateKey) (*repo.CommitResult, error) {
	unlock := s.locks.lock(did)
	defer unlock()
	if _, err := s.engine.Head(ctx, did); err == nil {
		return nil, &repo.ValidationError{Reason: did, Err: repo.ErrRepoExists}
	} else if !errors.Is(err, repo.ErrRepoNotFound) {
		return nil, err
	}
	if err := s.opts.Repo.Keys.Rotate(ctx, did, "", key); err != nil {
		return nil, fmt.Errorf("register key for %s: %w", did, err)
	}
	res, err := s.engine.CreateRepo(ctx, did)
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"did": did, "alg": key.Alg(), "commit": res.Cid}).Info("account created")
	return res, nil
}

// ApplyWrites commits a batch of writes and sequences its commit event. The
// event is queued in the outbox before the head moves. A *SequencingError
// means the commit was made and its event is still queued.
func (s *Server) ApplyWrites(ctx context.Context, did string, writes []repo.WriteOp, opts repo.WriteOptions) (*repo.CommitResult, uint64, error) {
	unlock := s.locks.lock(did)
	defer unlock()
	var id uint64
	before := opts.BeforeSwap
	opts.BeforeSwap = func(ctx context.Context, res *repo.CommitResult) error {
		if before != nil {
			if err := before(ctx, res); err != nil {
				return err
			}
		}
		ev, err := firehose.CommitEvent(res)
		if err != nil {
			return fmt.Errorf("commit event: %w", err)
		}
		id, err = s.queue(ctx, ev)
		return err
	}
	res, err := s.engine.ApplyWrites(ctx, did, writes, opts)
	if err != nil {
		s.unqueue(ctx, did, id)
		return nil, 0, err
	}
	seq, err := s.drain(ctx, did)
	return res, seq, err
}

// RotateKey makes key the account's signing key from its next commit on,
// and announces the change with an identity event.
func (s *Server) RotateKey(ctx context.Context, did string, key *signing.PrivateKey) (uint64, error) {
	unlock := s.locks.lock(did)
	defer unlock()
	head, err := s.engine.Head(ctx, did)
	if err != nil {
		return 0, err
	}
	if head.Status == repo.StatusDeleted {
		return 0, &repo.ValidationError{Reason: did, Err: repo.ErrRepoDeleted}
	}
	since := s.opts.Repo.Clock.NextAfter(head.Rev)
	id, err := s.queue(ctx, &firehose.Event{Kind: firehose.KindIdentity, DID: did, Identity: &firehose.Identity{}})
	if err != nil {
		return 0, err
	}
	if err := s.opts.Repo.Keys.Rotate(ctx, did, since, key); err != nil {
		s.unqueue(ctx, did, id)
		return 0, fmt.Errorf("rotate key for %s: %w", did, err)
	}
	s.log.WithFields(logrus.Fields{"did": did, "since": since, "alg": key.Alg()}).Info("key rotated")
	return s.drain(ctx, did)
}

// SetAccountStatus changes the account's hosting status and sequences an
// account event.
func (s *Server) SetAccountStatus(ctx context.Context, did string, status repo.Status) (uint64, error) {
	unlock := s.locks.lock(did)
	defer unlock()
	return s.change(ctx, firehose.AccountEvent(did, status), func() error {
		_, err := s.engine.SetStatus(ctx, did, status)
		return err
	})
}

// Tombstone deletes the account for good and sequences a tombstone event.
func (s *Server) Tombstone(ctx context.Context, did string) (uint64, error) {
	unlock := s.locks.lock(did)
	defer unlock()
	return s.change(ctx, &firehose.Event{Kind: firehose.KindTombstone, DID: did}, func() error {
		_, err := s.engine.Tombstone(ctx, did)
		return err
	})
}

// change queues ev, makes the change it reports and sequences the account's
// queue. The account must be locked.
func (s *Server) change(ctx context.Context, ev *firehose.Event, f func() error) (uint64, error) {
	id, err := s.queue(ctx, ev)
	if err != nil {
		return 0, err
	}
	if err := f(); err != nil {
		s.unqueue(ctx, ev.DID, id)
		return 0, err
	}
	return s.drain(ctx, ev.DID)
}

// queue puts ev in the outbox behind the account's unsequenced events.
func (s *Server) queue(ctx context.Context, ev *firehose.Event) (uint64, error) {
	frame, err := firehose.EncodePending(ev)
	if err != nil {
		return 0, fmt.Errorf("%s event: %w", ev.Kind, err)
	}
	id, err := s.outbox.Push(ctx, ev.DID, frame)
	if err != nil {
		return 0, &repo.StorageError{Op: "queue event", Err: err}
	}
	return id, nil
}

// unqueue withdraws the event of a change that wasn't made. A leftover is
// dropped at the next start, once the change is seen not to have happened.
func (s *Server) unqueue(ctx context.Context, did string, id uint64) {
	if id == 0 {
		return
	}
	if err := s.outbox.Remove(context.WithoutCancel(ctx), did, id); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"did": did, "id": id}).Error("withdraw event")
	}
}

type outboxEntry struct {
	id    uint64
	frame []byte
}

func (s *Server) pending(ctx context.Context, did string) ([]outboxEntry, error) {
	var queue []outboxEntry
	err := s.outbox.Pending(ctx, did, func(_ string, id uint64, frame []byte) error {
		queue = append(queue, outboxEntry{id, frame})
		return nil
	})
	return queue, err
}

// drain sequences the account's queued events in order, returning the last
// sequence number. The account must be locked.
func (s *Server) drain(ctx context.Context, did string) (uint64, error) {
	// the change is already made; the caller going away mustn't lose it
	ctx = context.WithoutCancel(ctx)
	queue, err := s.pending(ctx, did)
	if err != nil {
		return 0, &SequencingError{DID: did, Err: err}
	}
	s.dl.Lock()
	done := s.done[did]
	s.dl.Unlock()
	var last uint64
	for i, e := range queue {
		if e.id > done {
			ev, err := firehose.DecodePending(e.frame)
			if err != nil {
				return 0, &SequencingError{DID: did, Err: fmt.Errorf("outbox entry %d: %w", e.id, err)}
			}
			seq, err := s.seq.Enqueue(ctx, ev)
			if err != nil {
				s.log.WithError(err).WithFields(logrus.Fields{
					"did":    did,
					"kind":   ev.Kind,
					"queued": len(queue) - i,
				}).Error("event not sequenced")
				return 0, &SequencingError{DID: did, Kind: ev.Kind, Err: err}
			}
			last, done = seq, e.id
			s.dl.Lock()
			s.done[did] = done
			s.dl.Unlock()
		}
		if err := s.outbox.Remove(ctx, did, e.id); err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{"did": did, "id": e.id}).Warn("remove sequenced event")
			return last, nil
		}
	}
	s.dl.Lock()
	delete(s.done, did)
	s.dl.Unlock()
	return last, nil
}

// Unsequenced counts events waiting to be sequenced.
func (s *Server) Unsequenced() int {
	s.dl.Lock()
	done := make(map[string]uint64, len(s.done))
	for did, id := range s.done {
		done[did] = id
	}
	s.dl.Unlock()
	n := 0
	err := s.outbox.Pending(context.Background(), "", func(did string, id uint64, _ []byte) error {
		if id > done[did] {
			n++
		}
		return nil
	})
	if err != nil {
		s.log.WithError(err).Error("count unsequenced events")
	}
	return n
}

// RetryUnsequenced tries again to sequence every queued event.
func (s *Server) RetryUnsequenced(ctx context.Context) error {
	var dids []string
	err := s.outbox.Pending(ctx, "", func(did string, _ uint64, _ []byte) error {
		if len(dids) == 0 || dids[len(dids)-1] != did {
			dids = append(dids, did)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("list outbox: %w", err)
	}
	sort.Strings(dids)
	var errs []error
	for _, did := range dids {
		unlock := s.locks.lock(did)
		_, err := s.drain(ctx, did)
		unlock()
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CollectGarbage deletes the account's unreachable blocks.
func (s *Server) CollectGarbage(ctx context.Context, did string) (int, error) {
	unlock := s.locks.lock(did)
	defer unlock()
	return s.engine.CollectGarbage(ctx, did)
}

// collectAll collects garbage in every account that isn't deleted.
func (s *Server) collectAll(ctx context.Context) error {
	var dids []string
	err := s.opts.Repo.Heads.List(ctx, func(did string, head repo.Head) error {
		if head.Status != repo.StatusDeleted {
			dids = append(dids, did)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}
	total := 0
	for _, did := range dids {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := s.CollectGarbage(ctx, did)
		if err != nil {
			s.log.WithError(err).WithField("did", did).Error("garbage collection failed")
			continue
		}
		total += n
	}
	s.log.WithFields(logrus.Fields{"accounts": len(dids), "deleted": total}).Info("garbage collected")
	if s.compact != nil {
		if err := s.compact(); err != nil {
			return fmt.Errorf("compact: %w", err)
		}
	}
	return nil
}

// Run serves HTTP on addr, requests crawls and collects garbage until ctx
// ends.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if len(s.opts.Relays) > 0 {
		c := &firehose.Crawler{
			Hostname:  s.opts.Hostname,
			Relays:    s.opts.Relays,
			Interval:  s.opts.CrawlInterval,
			Listeners: s.seq.Listeners,
			Logger:    s.log,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Run(ctx)
		}()
	}
	if s.opts.GCInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t := time.NewTicker(s.opts.GCInterval)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					if err := s.collectAll(ctx); err != nil && ctx.Err() == nil {
						s.log.WithError(err).Error("garbage collection")
					}
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		// subscribers hold their connections open; close them first
		s.seq.Close()
		sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer scancel()
		srv.Shutdown(sctx)
	}()

	s.log.WithField("addr", addr).Info("listening")
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close stops the sequencer and releases storage opened by Open.
func (s *Server) Close() error {
	s.seq.Close()
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}
