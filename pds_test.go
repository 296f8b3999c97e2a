package pds

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jrhy/pds/firehose"
	"github.com/jrhy/pds/mst"
	"github.com/jrhy/pds/repo"
	"github.com/jrhy/pds/signing"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

const alice = "did:example:alice"

// flakyLog fails appends while fail is set.
type flakyLog struct {
	*firehose.MemoryLog
	fail atomic.Bool
}

func (l *flakyLog) Append(ctx context.Context, seq uint64, frame []byte) error {
	if l.fail.Load() {
		return errors.New("log unavailable")
	}
	return l.MemoryLog.Append(ctx, seq, frame)
}

type testServer struct {
	*Server
	events *flakyLog
	opts   Options
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.FatalLevel)
	return log
}

func newTestServer(t *testing.T) *testServer {
	var (
		l      sync.Mutex
		stores = map[string]*mst.MemoryBlockstore{}
	)
	blocks := func(did string) mst.Blockstore {
		l.Lock()
		defer l.Unlock()
		s, ok := stores[did]
		if !ok {
			s = mst.NewMemoryBlockstore()
			stores[did] = s
		}
		return s
	}
	events := &flakyLog{MemoryLog: firehose.NewMemoryLog()}
	opts := Options{
		Repo: repo.Config{
			Blocks:      blocks,
			Heads:       repo.NewMemoryHeads(),
			Keys:        signing.NewMemoryKeyring(),
			Fanout:      4,
			MaxBlobSize: 1000,
		},
		Firehose: firehose.Config{Log: events, SubscriberBuffer: 64},
		Outbox:   firehose.NewMemoryOutbox(),
		Auth:     TokenAuthenticator{"alice-token": alice},
		Logger:   quietLogger(),
	}
	s, err := New(ctx, opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return &testServer{Server: s, events: events, opts: opts}
}

// restart replaces the server with a new one over the same storage.
func (s *testServer) restart(t *testing.T) {
	t.Helper()
	s.Server.Close()
	srv, err := New(ctx, s.opts)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	s.Server = srv
}

// queueRaw puts ev in the outbox behind the server's back.
func (s *testServer) queueRaw(t *testing.T, ev *firehose.Event) {
	t.Helper()
	frame, err := firehose.EncodePending(ev)
	require.NoError(t, err)
	_, err = s.opts.Outbox.Push(ctx, ev.DID, frame)
	require.NoError(t, err)
}

func newKey(t testing.TB) *signing.PrivateKey {
	k, err := signing.GenerateKey(signing.Ed25519, rand.Reader)
	require.NoError(t, err)
	return k
}

func (s *testServer) createAccount(t *testing.T, did string) *repo.CommitResult {
	t.Helper()
	res, err := s.CreateAccount(ctx, did, newKey(t))
	require.NoError(t, err)
	return res
}

func createPost(rkey, text string) repo.WriteOp {
	return repo.WriteOp{
		Action:     repo.ActionCreate,
		Collection: "app.test.post",
		RKey:       rkey,
		Record:     map[string]interface{}{"$type": "app.test.post", "text": text},
	}
}

func deletePost(rkey string) repo.WriteOp {
	return repo.WriteOp{Action: repo.ActionDelete, Collection: "app.test.post", RKey: rkey}
}

func nextEvent(t *testing.T, sub *firehose.Subscription) *firehose.Event {
	t.Helper()
	nctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	f, err := sub.Next(nctx)
	require.NoError(t, err)
	ev, err := firehose.Decode(f.Data)
	require.NoError(t, err)
	return ev
}

func requireNoEvent(t *testing.T, sub *firehose.Subscription) {
	t.Helper()
	nctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err := sub.Next(nctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCreateThenDeleteRecord(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	genesis := s.createAccount(t, alice)
	require.Equal(t, mst.EmptyRoot, genesis.Commit.Root())

	c1, seq, err := s.ApplyWrites(ctx, alice, []repo.WriteOp{createPost("1", "hello")}, repo.WriteOptions{Actor: alice})
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)
	require.NotEqual(t, mst.EmptyRoot, c1.Commit.Root())
	require.Len(t, c1.Ops, 1)
	recordCid := c1.Ops[0].Cid

	c2, seq, err := s.ApplyWrites(ctx, alice, []repo.WriteOp{deletePost("1")}, repo.WriteOptions{Actor: alice})
	require.NoError(t, err)
	require.Equal(t, uint64(2), seq)
	require.Equal(t, mst.EmptyRoot, c2.Commit.Root())

	sub, err := s.Sequencer().Subscribe(ctx, 0)
	require.NoError(t, err)
	defer sub.Close()

	ev := nextEvent(t, sub)
	require.Equal(t, uint64(1), ev.Seq)
	require.Equal(t, firehose.KindCommit, ev.Kind)
	require.Equal(t, alice, ev.DID)
	require.Equal(t, c1.Cid, ev.Commit.Cid)
	require.Equal(t, genesis.Cid, ev.Commit.Prev)
	require.Equal(t, []repo.RepoOp{{Action: repo.ActionCreate, Path: "app.test.post/1", Cid: recordCid}}, ev.Commit.Ops)

	ev = nextEvent(t, sub)
	require.Equal(t, uint64(2), ev.Seq)
	require.Equal(t, c2.Cid, ev.Commit.Cid)
	require.Equal(t, c1.Rev, ev.Commit.Since)
	require.Equal(t, []repo.RepoOp{{Action: repo.ActionDelete, Path: "app.test.post/1", Prev: recordCid}}, ev.Commit.Ops)

	requireNoEvent(t, sub)

	n, err := s.Engine().VerifyHistory(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestCreateAccountTwice(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	s.createAccount(t, alice)
	_, err := s.CreateAccount(ctx, alice, newKey(t))
	require.ErrorIs(t, err, repo.ErrRepoExists)
	require.Equal(t, uint64(1), s.Sequencer().Next())
}

func TestSwapCommitRace(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	genesis := s.createAccount(t, alice)

	const writers = 8
	var (
		wg    sync.WaitGroup
		won   atomic.Int32
		stale atomic.Int32
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := s.ApplyWrites(ctx, alice,
				[]repo.WriteOp{createPost(string(rune('a'+i)), "race")},
				repo.WriteOptions{Actor: alice, SwapCommit: genesis.Cid})
			var se *repo.StaleHeadError
			switch {
			case err == nil:
				won.Add(1)
			case errors.As(err, &se):
				stale.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, int32(1), won.Load())
	require.Equal(t, int32(writers-1), stale.Load())
	require.Equal(t, uint64(2), s.Sequencer().Next())
}

func TestConcurrentAccountsKeepCommitOrder(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	dids := []string{"did:example:a", "did:example:b", "did:example:c"}
	lastRev := map[string]string{}
	for _, did := range dids {
		lastRev[did] = s.createAccount(t, did).Rev
	}
	const perAccount = 10
	var wg sync.WaitGroup
	for _, did := range dids {
		wg.Add(1)
		go func(did string) {
			defer wg.Done()
			for i := 0; i < perAccount; i++ {
				_, _, err := s.ApplyWrites(ctx, did, []repo.WriteOp{createPost(string(rune('a'+i)), did)}, repo.WriteOptions{Actor: did})
				assert.NoError(t, err)
			}
		}(did)
	}
	wg.Wait()

	sub, err := s.Sequencer().Subscribe(ctx, 1)
	require.NoError(t, err)
	defer sub.Close()
	for i := 0; i < perAccount*len(dids); i++ {
		ev := nextEvent(t, sub)
		require.Equal(t, uint64(i+1), ev.Seq)
		require.Greater(t, ev.Commit.Rev, lastRev[ev.DID])
		require.Equal(t, lastRev[ev.DID], ev.Commit.Since, "each account's events chain")
		lastRev[ev.DID] = ev.Commit.Rev
	}
	requireNoEvent(t, sub)
}

func TestUnsequencedEventsAreRetried(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	s.createAccount(t, alice)

	s.events.fail.Store(true)
	res, seq, err := s.ApplyWrites(ctx, alice, []repo.WriteOp{createPost("1", "one")}, repo.WriteOptions{Actor: alice})
	var seqErr *SequencingError
	require.ErrorAs(t, err, &seqErr)
	require.Equal(t, alice, seqErr.DID)
	require.Equal(t, firehose.KindCommit, seqErr.Kind)
	require.Zero(t, seq)
	require.NotNil(t, res, "the commit stands")
	head, err := s.Engine().Head(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, res.Cid, head.Commit)
	require.Equal(t, 1, s.Unsequenced())

	// queued behind the first
	_, _, err = s.ApplyWrites(ctx, alice, []repo.WriteOp{createPost("2", "two")}, repo.WriteOptions{Actor: alice})
	require.ErrorAs(t, err, &seqErr)
	require.Equal(t, 2, s.Unsequenced())
	require.Error(t, s.RetryUnsequenced(ctx))

	s.events.fail.Store(false)
	require.NoError(t, s.RetryUnsequenced(ctx))
	require.Zero(t, s.Unsequenced())

	sub, err := s.Sequencer().Subscribe(ctx, 1)
	require.NoError(t, err)
	defer sub.Close()
	first, second := nextEvent(t, sub), nextEvent(t, sub)
	require.Equal(t, "app.test.post/1", first.Commit.Ops[0].Path)
	require.Equal(t, "app.test.post/2", second.Commit.Ops[0].Path)
	require.Equal(t, uint64(2), second.Seq)
}

func TestUnsequencedCommitSurvivesRestart(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	s.createAccount(t, alice)

	s.events.fail.Store(true)
	res, _, err := s.ApplyWrites(ctx, alice, []repo.WriteOp{createPost("1", "one")}, repo.WriteOptions{Actor: alice})
	var seqErr *SequencingError
	require.ErrorAs(t, err, &seqErr)
	require.Equal(t, uint64(1), s.Sequencer().Next())

	s.events.fail.Store(false)
	s.restart(t)
	require.Zero(t, s.Unsequenced())
	require.Equal(t, uint64(2), s.Sequencer().Next())
	sub, err := s.Sequencer().Subscribe(ctx, 1)
	require.NoError(t, err)
	defer sub.Close()
	ev := nextEvent(t, sub)
	require.Equal(t, res.Cid, ev.Commit.Cid)
	require.Equal(t, "app.test.post/1", ev.Commit.Ops[0].Path)
}

// A crash can leave an event queued whose change was made but never
// sequenced, whose change was never made, or that was sequenced but not
// removed. Only the first kind is sequenced at the next start.
func TestRestartReconcilesOutbox(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	s.createAccount(t, alice)
	s.createAccount(t, "did:example:bob")
	sequenced, _, err := s.ApplyWrites(ctx, alice, []repo.WriteOp{createPost("1", "one")}, repo.WriteOptions{Actor: alice})
	require.NoError(t, err)

	// made behind the server's back, as if it crashed before sequencing
	made, err := s.Engine().ApplyWrites(ctx, alice, []repo.WriteOp{createPost("2", "two")}, repo.WriteOptions{Actor: alice})
	require.NoError(t, err)
	// a commit of another server's repo, never made here
	other := newTestServer(t)
	other.createAccount(t, alice)
	never, _, err := other.ApplyWrites(ctx, alice, []repo.WriteOp{createPost("3", "three")}, repo.WriteOptions{Actor: alice})
	require.NoError(t, err)

	for _, res := range []*repo.CommitResult{sequenced, never, made} {
		ev, err := firehose.CommitEvent(res)
		require.NoError(t, err)
		s.queueRaw(t, ev)
	}
	s.queueRaw(t, firehose.AccountEvent("did:example:bob", repo.StatusDeactivated))
	s.queueRaw(t, &firehose.Event{Kind: firehose.KindTombstone, DID: "did:example:carol"})

	s.restart(t)
	require.Zero(t, s.Unsequenced())
	require.Equal(t, uint64(3), s.Sequencer().Next(), "only the made commit")
	sub, err := s.Sequencer().Subscribe(ctx, 2)
	require.NoError(t, err)
	defer sub.Close()
	ev := nextEvent(t, sub)
	require.Equal(t, made.Cid, ev.Commit.Cid)
	require.Equal(t, sequenced.Cid, ev.Commit.Prev)
}

func TestStatusEventQueuedBeforeChange(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	s.createAccount(t, alice)
	s.events.fail.Store(true)
	_, err := s.SetAccountStatus(ctx, alice, repo.StatusDeactivated)
	var seqErr *SequencingError
	require.ErrorAs(t, err, &seqErr)
	require.Equal(t, firehose.KindAccount, seqErr.Kind)

	_, err = s.SetAccountStatus(ctx, alice, "sleeping")
	require.Error(t, err)
	require.Equal(t, 1, s.Unsequenced(), "a rejected change is withdrawn")

	s.events.fail.Store(false)
	s.restart(t)
	require.Zero(t, s.Unsequenced())
	sub, err := s.Sequencer().Subscribe(ctx, 1)
	require.NoError(t, err)
	defer sub.Close()
	ev := nextEvent(t, sub)
	require.Equal(t, &firehose.Account{Active: false, Status: repo.StatusDeactivated}, ev.Account)
	requireNoEvent(t, sub)
}

func TestPendingEventsGoFirst(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	s.createAccount(t, alice)

	s.events.fail.Store(true)
	_, _, err := s.ApplyWrites(ctx, alice, []repo.WriteOp{createPost("1", "one")}, repo.WriteOptions{Actor: alice})
	require.Error(t, err)
	s.events.fail.Store(false)

	_, seq, err := s.ApplyWrites(ctx, alice, []repo.WriteOp{createPost("2", "two")}, repo.WriteOptions{Actor: alice})
	require.NoError(t, err)
	require.Equal(t, uint64(2), seq)
	require.Zero(t, s.Unsequenced())
}

func TestRotateKey(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	s.createAccount(t, alice)
	_, _, err := s.ApplyWrites(ctx, alice, []repo.WriteOp{createPost("1", "before")}, repo.WriteOptions{Actor: alice})
	require.NoError(t, err)

	key, err := signing.GenerateKey(signing.Dilithium3, rand.Reader)
	require.NoError(t, err)
	seq, err := s.RotateKey(ctx, alice, key)
	require.NoError(t, err)
	require.Equal(t, uint64(2), seq)

	_, _, err = s.ApplyWrites(ctx, alice, []repo.WriteOp{createPost("2", "after")}, repo.WriteOptions{Actor: alice})
	require.NoError(t, err)

	n, err := s.Engine().VerifyHistory(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	sub, err := s.Sequencer().Subscribe(ctx, 2)
	require.NoError(t, err)
	defer sub.Close()
	ev := nextEvent(t, sub)
	require.Equal(t, firehose.KindIdentity, ev.Kind)
	require.Equal(t, alice, ev.DID)

	_, err = s.RotateKey(ctx, "did:example:nobody", key)
	require.ErrorIs(t, err, repo.ErrRepoNotFound)
}

func TestAccountStatusAndTombstone(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	s.createAccount(t, alice)

	seq, err := s.SetAccountStatus(ctx, alice, repo.StatusDeactivated)
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)
	_, _, err = s.ApplyWrites(ctx, alice, []repo.WriteOp{createPost("1", "x")}, repo.WriteOptions{Actor: alice})
	require.ErrorIs(t, err, repo.ErrRepoInactive)

	seq, err = s.Tombstone(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, uint64(2), seq)
	_, err = s.SetAccountStatus(ctx, alice, repo.StatusActive)
	require.ErrorIs(t, err, repo.ErrRepoDeleted)
	require.Equal(t, uint64(3), s.Sequencer().Next(), "failed changes emit nothing")

	sub, err := s.Sequencer().Subscribe(ctx, 1)
	require.NoError(t, err)
	defer sub.Close()
	ev := nextEvent(t, sub)
	require.Equal(t, firehose.KindAccount, ev.Kind)
	require.Equal(t, &firehose.Account{Active: false, Status: repo.StatusDeactivated}, ev.Account)
	ev = nextEvent(t, sub)
	require.Equal(t, firehose.KindTombstone, ev.Kind)
	require.Equal(t, alice, ev.DID)
}

func TestCollectAll(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	s.createAccount(t, alice)
	s.createAccount(t, "did:example:bob")
	for _, rkey := range []string{"1", "2", "3"} {
		_, _, err := s.ApplyWrites(ctx, alice, []repo.WriteOp{createPost(rkey, "x")}, repo.WriteOptions{Actor: alice})
		require.NoError(t, err)
	}
	_, _, err := s.ApplyWrites(ctx, alice, []repo.WriteOp{deletePost("1"), deletePost("2")}, repo.WriteOptions{Actor: alice})
	require.NoError(t, err)
	_, err = s.Tombstone(ctx, "did:example:bob")
	require.NoError(t, err)

	compacted := false
	s.compact = func() error { compacted = true; return nil }
	require.NoError(t, s.collectAll(ctx))
	require.True(t, compacted)

	_, err = s.Engine().GetRecord(ctx, alice, "app.test.post", "3")
	require.NoError(t, err)
	n, err := s.Engine().VerifyHistory(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	deleted, err := s.CollectGarbage(ctx, alice)
	require.NoError(t, err)
	require.Zero(t, deleted, "nothing left to collect")
}

func TestAccountLocks(t *testing.T) {
	t.Parallel()
	var locks accountLocks
	var (
		wg      sync.WaitGroup
		holders atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.lock(alice)
			defer unlock()
			assert.Equal(t, int32(1), holders.Add(1))
			time.Sleep(time.Millisecond)
			holders.Add(-1)
		}()
	}
	// another account is never blocked by alice
	unlock := locks.lock("did:example:bob")
	unlock()
	wg.Wait()
	require.Empty(t, locks.locks)
}
