package repo

import (
	"crypto/rand"
	"errors"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/jrhy/pds/internal/dagcbor"
	"github.com/jrhy/pds/mst"
	"github.com/jrhy/pds/signing"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T, alg string) *signing.PrivateKey {
	t.Helper()
	k, err := signing.GenerateKey(alg, rand.Reader)
	require.NoError(t, err)
	return k
}

func TestCommitSignVerify(t *testing.T) {
	t.Parallel()
	for _, alg := range []string{signing.Ed25519, signing.Dilithium3} {
		key := testKey(t, alg)
		rev := NewClock(0).Next()
		c, err := SignCommit("did:example:alice", mst.EmptyRoot, cid.Undef, rev, key)
		require.NoError(t, err)
		require.Nil(t, c.Prev)
		require.True(t, c.Verify(key.Public()))
		require.False(t, c.Verify(testKey(t, alg).Public()))

		b, err := c.Block()
		require.NoError(t, err)
		decoded, err := DecodeCommit(b.Data)
		require.NoError(t, err)
		require.Equal(t, c.DID, decoded.DID)
		require.Equal(t, c.Rev, decoded.Rev)
		require.Equal(t, mst.EmptyRoot, decoded.Root())
		require.False(t, decoded.PrevCid().Defined())
		require.True(t, decoded.Verify(key.Public()))

		tampered := *decoded
		tampered.Rev = NewClock(1).Next()
		require.True(t, errors.Is(VerifyCommit(&tampered, key.Public()), signing.ErrBadSignature))

		next, err := SignCommit("did:example:alice", mst.EmptyRoot, b.Cid, NewClock(0).NextAfter(rev), key)
		require.NoError(t, err)
		require.Equal(t, b.Cid, next.PrevCid())
	}
}

func TestUnsignedOmitsSig(t *testing.T) {
	t.Parallel()
	key := testKey(t, signing.Ed25519)
	c, err := SignCommit("did:example:alice", mst.EmptyRoot, cid.Undef, NewClock(0).Next(), key)
	require.NoError(t, err)
	unsigned, err := c.Unsigned()
	require.NoError(t, err)
	signed, err := c.Block()
	require.NoError(t, err)
	require.Less(t, len(unsigned), len(signed.Data))
	var fields map[string]interface{}
	require.NoError(t, dagcbor.Unmarshal(unsigned, &fields))
	require.NotContains(t, fields, "sig")
	require.Contains(t, fields, "prev")
	require.Nil(t, fields["prev"])
	require.NoError(t, dagcbor.Unmarshal(signed.Data, &fields))
	require.Contains(t, fields, "sig")

	_, err = (&Commit{}).Block()
	require.Error(t, err)
}

func TestDecodeCommitRejects(t *testing.T) {
	t.Parallel()
	_, err := DecodeCommit([]byte{0xa0})
	require.Error(t, err)
	_, err = DecodeCommit([]byte("junk"))
	require.Error(t, err)
	_, err = SignCommit("did:example:alice", mst.EmptyRoot, cid.Undef, "not-a-tid", testKey(t, signing.Ed25519))
	require.Error(t, err)
	_, err = SignCommit("did:example:alice", cid.Undef, cid.Undef, NewClock(0).Next(), testKey(t, signing.Ed25519))
	require.Error(t, err)
}
