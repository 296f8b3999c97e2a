package repo

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/jrhy/pds/mst"
	"github.com/sirupsen/logrus"
)

// CollectGarbage deletes the account's blocks that are neither commits on
// the chain from its head nor part of the head's tree. Blocks written by an
// in-flight ApplyWrites look unreachable, so the caller must hold the
// account's write lock.
func (e *Engine) CollectGarbage(ctx context.Context, did string) (int, error) {
	head, err := e.head(ctx, did)
	if err != nil {
		return 0, err
	}
	store := e.cfg.Blocks(did)
	reclaimer, ok := store.(mst.Reclaimer)
	if !ok {
		return 0, fmt.Errorf("%T can't delete blocks", store)
	}

	live := map[cid.Cid]bool{}
	err = Walk(ctx, store, head.Commit, func(c cid.Cid, _ *Commit) (bool, error) {
		live[c] = true
		return true, nil
	})
	if err != nil {
		return 0, fmt.Errorf("mark commits: %w", err)
	}
	live[head.Root] = true
	t, err := e.loadTree(ctx, store, e.nodeCache(did), head.Root)
	if err != nil {
		return 0, fmt.Errorf("mark tree: %w", err)
	}
	err = t.Walk(ctx, func(node cid.Cid, values []cid.Cid) error {
		live[node] = true
		for _, v := range values {
			live[v] = true
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("mark tree: %w", err)
	}

	var dead []cid.Cid
	err = reclaimer.ForEach(ctx, func(c cid.Cid) error {
		if !live[c] {
			dead = append(dead, c)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	for i, c := range dead {
		if err := reclaimer.Delete(ctx, c); err != nil {
			return i, fmt.Errorf("delete %s: %w", c, err)
		}
	}
	if len(dead) > 0 {
		e.log.WithFields(logrus.Fields{"did": did, "deleted": len(dead), "live": len(live)}).Info("garbage collected")
	}
	return len(dead), nil
}
