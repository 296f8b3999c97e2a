package firehose

import (
	"fmt"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/jrhy/pds/internal/car"
	"github.com/jrhy/pds/internal/dagcbor"
	"github.com/jrhy/pds/mst"
	"github.com/jrhy/pds/repo"
	"github.com/stretchr/testify/require"
)

func rawCid(t testing.TB, s string) cid.Cid {
	c, err := mst.CIDFor(cid.Raw, []byte(s))
	require.NoError(t, err)
	return c
}

var when = time.Date(2024, 5, 6, 7, 8, 9, 123000000, time.UTC)

func TestEncodeDecode(t *testing.T) {
	t.Parallel()
	commit := &Commit{
		Cid:      rawCid(t, "commit"),
		Rev:      "3kq2zf3kuvo2a",
		Since:    "3kq2zf3kuvo22",
		Prev:     rawCid(t, "prev"),
		PrevData: rawCid(t, "prevData"),
		Ops: []repo.RepoOp{
			{Action: repo.ActionCreate, Path: "app.test.post/1", Cid: rawCid(t, "a")},
			{Action: repo.ActionUpdate, Path: "app.test.post/2", Cid: rawCid(t, "b"), Prev: rawCid(t, "b0")},
			{Action: repo.ActionDelete, Path: "app.test.post/3", Prev: rawCid(t, "c0")},
		},
		Blobs:  []cid.Cid{rawCid(t, "blob")},
		Blocks: []byte{1, 2, 3},
	}
	for _, ev := range []*Event{
		{Seq: 1, Kind: KindCommit, DID: "did:example:alice", Time: when, Commit: commit},
		{Seq: 2, Kind: KindCommit, DID: "did:example:alice", Time: when, Commit: &Commit{Cid: rawCid(t, "genesis"), Rev: "3kq2zf3kuvo22", TooBig: true}},
		{Seq: 3, Kind: KindAccount, DID: "did:example:bob", Time: when, Account: &Account{Active: false, Status: repo.StatusTakenDown}},
		{Seq: 4, Kind: KindAccount, DID: "did:example:bob", Time: when, Account: &Account{Active: true}},
		{Seq: 5, Kind: KindIdentity, DID: "did:example:bob", Time: when, Identity: &Identity{Handle: "bob.test"}},
		{Seq: 6, Kind: KindTombstone, DID: "did:example:bob", Time: when},
	} {
		ev := ev
		t.Run(fmt.Sprintf("%d%s", ev.Seq, ev.Kind), func(t *testing.T) {
			data, err := Encode(ev)
			require.NoError(t, err)
			got, err := Decode(data)
			require.NoError(t, err)
			if ev.Kind == KindCommit && ev.Commit.TooBig {
				require.Empty(t, got.Commit.Blocks)
				got.Commit.Blocks = nil
			}
			require.Equal(t, ev, got)

			again, err := Encode(got)
			require.NoError(t, err)
			require.Equal(t, data, again)
		})
	}
}

func TestFrameLayout(t *testing.T) {
	t.Parallel()
	data, err := Encode(&Event{Seq: 7, Kind: KindTombstone, DID: "did:example:carol", Time: when})
	require.NoError(t, err)

	var h map[string]interface{}
	rest, err := dagcbor.UnmarshalFirst(data, &h)
	require.NoError(t, err)
	require.Equal(t, map[string]interface{}{"op": uint64(1), "t": "#tombstone"}, h)

	var body map[string]interface{}
	require.NoError(t, dagcbor.Unmarshal(rest, &body))
	require.Equal(t, map[string]interface{}{
		"seq":  uint64(7),
		"did":  "did:example:carol",
		"time": "2024-05-06T07:08:09.123Z",
	}, body)
}

func TestGenesisCommitHasNullPrev(t *testing.T) {
	t.Parallel()
	data, err := Encode(&Event{Seq: 1, Kind: KindCommit, DID: "did:example:alice", Time: when,
		Commit: &Commit{Cid: rawCid(t, "genesis"), Rev: "3kq2zf3kuvo22"}})
	require.NoError(t, err)
	var h map[string]interface{}
	rest, err := dagcbor.UnmarshalFirst(data, &h)
	require.NoError(t, err)
	var body map[string]interface{}
	require.NoError(t, dagcbor.Unmarshal(rest, &body))
	require.Contains(t, body, "prev")
	require.Nil(t, body["prev"])
	require.Nil(t, body["since"])
	require.NotContains(t, body, "prevData")
	require.IsType(t, []byte(nil), body["blocks"])
	require.Empty(t, body["blocks"])
}

func TestErrorFrame(t *testing.T) {
	t.Parallel()
	_, err := Decode(ErrorFrame(ErrorOutdatedCursor, "cursor 3 is too old"))
	require.Equal(t, &FrameError{Name: ErrorOutdatedCursor, Message: "cursor 3 is too old"}, err)
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()
	for name, data := range map[string][]byte{
		"empty":     nil,
		"no body":   mustMarshal(t, header{Op: 1, T: "#tombstone"}),
		"bad op":    append(mustMarshal(t, header{Op: 2}), mustMarshal(t, wireError{Error: "x"})...),
		"bad kind":  append(mustMarshal(t, header{Op: 1, T: "#nope"}), mustMarshal(t, wireTombstone{Seq: 1})...),
		"zero seq":  append(mustMarshal(t, header{Op: 1, T: "#tombstone"}), mustMarshal(t, wireTombstone{Seq: 0, Time: "2024-05-06T07:08:09.123Z"})...),
		"bad time":  append(mustMarshal(t, header{Op: 1, T: "#tombstone"}), mustMarshal(t, wireTombstone{Seq: 1, Time: "yesterday"})...),
		"truncated": mustMarshal(t, header{Op: 1, T: "#tombstone"})[:3],
	} {
		_, err := Decode(data)
		require.Error(t, err, name)
	}
	_, err := Encode(&Event{Seq: 1, Kind: KindCommit})
	require.Error(t, err)
	_, err = Encode(&Event{Seq: 1, Kind: "#other"})
	require.Error(t, err)
}

func mustMarshal(t *testing.T, v interface{}) []byte {
	data, err := dagcbor.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestCommitEvent(t *testing.T) {
	t.Parallel()
	block, err := mst.NewBlock(cid.Raw, []byte("record"))
	require.NoError(t, err)
	res := &repo.CommitResult{
		DID:    "did:example:alice",
		Cid:    block.Cid,
		Rev:    "3kq2zf3kuvo2a",
		Ops:    []repo.RepoOp{{Action: repo.ActionCreate, Path: "app.test.post/1", Cid: block.Cid}},
		Blobs:  []repo.BlobRef{{Cid: rawCid(t, "blob"), MimeType: "image/png", Size: 10}},
		Blocks: []mst.Block{block},
	}
	ev, err := CommitEvent(res)
	require.NoError(t, err)
	require.Equal(t, KindCommit, ev.Kind)
	require.False(t, ev.Commit.TooBig)
	require.Equal(t, []cid.Cid{rawCid(t, "blob")}, ev.Commit.Blobs)
	roots, blocks, err := car.Decode(ev.Commit.Blocks)
	require.NoError(t, err)
	require.Equal(t, []cid.Cid{block.Cid}, roots)
	require.Equal(t, []mst.Block{block}, blocks)

	for i := 0; i < MaxCommitOps; i++ {
		res.Ops = append(res.Ops, res.Ops[0])
	}
	ev, err = CommitEvent(res)
	require.NoError(t, err)
	require.True(t, ev.Commit.TooBig)
	require.Empty(t, ev.Commit.Blocks)

	res.Ops = res.Ops[:1]
	big, err := mst.NewBlock(cid.Raw, make([]byte, MaxCommitBlocks+1))
	require.NoError(t, err)
	res.Blocks = append(res.Blocks, big)
	ev, err = CommitEvent(res)
	require.NoError(t, err)
	require.True(t, ev.Commit.TooBig)
}

func TestAccountEvent(t *testing.T) {
	t.Parallel()
	require.Equal(t, &Account{Active: true}, AccountEvent("did:example:a", repo.StatusActive).Account)
	require.Equal(t, &Account{Active: false, Status: repo.StatusSuspended}, AccountEvent("did:example:a", repo.StatusSuspended).Account)

	ev := AccountEvent("did:example:a", repo.StatusActive)
	ev.Seq, ev.Time = 9, when
	data, err := Encode(ev)
	require.NoError(t, err)
	var h map[string]interface{}
	rest, err := dagcbor.UnmarshalFirst(data, &h)
	require.NoError(t, err)
	var body map[string]interface{}
	require.NoError(t, dagcbor.Unmarshal(rest, &body))
	require.NotContains(t, body, "status")
	require.Equal(t, true, body["active"])
}

func TestPendingFrames(t *testing.T) {
	t.Parallel()
	ev := AccountEvent("did:example:a", repo.StatusDeactivated)
	data, err := EncodePending(ev)
	require.NoError(t, err)
	got, err := DecodePending(data)
	require.NoError(t, err)
	require.Equal(t, ev, got)
	require.Zero(t, got.Seq)
	require.True(t, got.Time.IsZero())

	_, err = Decode(data)
	require.ErrorContains(t, err, "bad seq 0")

	ev.Seq, ev.Time = 4, when
	_, err = EncodePending(ev)
	require.ErrorContains(t, err, "already sequenced")
	data, err = Encode(ev)
	require.NoError(t, err)
	_, err = DecodePending(data)
	require.ErrorContains(t, err, "pending event has seq 4")
}

func TestMemoryOutbox(t *testing.T) {
	t.Parallel()
	o := NewMemoryOutbox()
	for _, did := range []string{"did:example:b", "did:example:a", "did:example:b"} {
		_, err := o.Push(ctx, did, []byte(did))
		require.NoError(t, err)
	}
	type entry struct {
		did string
		id  uint64
	}
	list := func(did string) []entry {
		var got []entry
		require.NoError(t, o.Pending(ctx, did, func(did string, id uint64, frame []byte) error {
			require.Equal(t, did, string(frame))
			got = append(got, entry{did, id})
			return nil
		}))
		return got
	}
	require.Equal(t, []entry{{"did:example:a", 1}, {"did:example:b", 1}, {"did:example:b", 2}}, list(""))
	require.Equal(t, []entry{{"did:example:b", 1}, {"did:example:b", 2}}, list("did:example:b"))

	require.NoError(t, o.Remove(ctx, "did:example:b", 1))
	require.NoError(t, o.Remove(ctx, "did:example:b", 2))
	require.NoError(t, o.Remove(ctx, "did:example:b", 2))
	require.Empty(t, list("did:example:b"))
	id, err := o.Push(ctx, "did:example:b", []byte("did:example:b"))
	require.NoError(t, err)
	require.Equal(t, uint64(3), id, "ids keep growing")
}
