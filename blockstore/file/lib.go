// Package file stores blocks as files, one directory per account.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/jrhy/pds/mst"
)

// Blockstore implements mst.Blockstore and mst.Reclaimer over the files in
// one directory. Each file is named by its block's CID.
type Blockstore struct {
	basepath string
}

var _ mst.Blockstore = (*Blockstore)(nil)
var _ mst.Reclaimer = (*Blockstore)(nil)

var didReplacer = strings.NewReplacer(":", "_", "/", "_", "\\", "_")

// NewBlockstoreForPath returns a Blockstore that loads and stores blocks as
// files in the directory at the given path.
//
//	bs := NewBlockstoreForPath("/var/db/pds/blocks").Account("did:plc:ewvi7nxzyoun6zhxrhs64oiz")
//	data, err := bs.Get(ctx, c)
func NewBlockstoreForPath(path string) *Blockstore {
	return &Blockstore{path}
}

// Account returns the Blockstore for one account's blocks, in a
// subdirectory named after the DID.
func (p *Blockstore) Account(did string) *Blockstore {
	return &Blockstore{filepath.Join(p.basepath, didReplacer.Replace(did))}
}

func (p *Blockstore) path(c cid.Cid) string {
	return filepath.Join(p.basepath, c.String())
}

// Get loads the bytes persisted in the named file.
func (p *Blockstore) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	data, err := os.ReadFile(p.path(c))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", c, mst.ErrBlockNotFound)
	}
	return data, err
}

func (p *Blockstore) Has(ctx context.Context, c cid.Cid) (bool, error) {
	_, err := os.Stat(p.path(c))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// syncDir makes a directory's entries durable.
var syncDir = func(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	if err := d.Sync(); err != nil {
		d.Close()
		return fmt.Errorf("sync %s: %w", dir, err)
	}
	return d.Close()
}

// Put persists the given bytes in a file named by the CID, if it doesn't
// exist already. The file is synced and renamed into place so a reader never
// sees a partial block, then the directory is synced so the rename survives
// a crash.
func (p *Blockstore) Put(ctx context.Context, c cid.Cid, data []byte) error {
	path := p.path(c)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if _, err := os.Stat(p.basepath); errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(p.basepath, 0o755); err != nil {
			return err
		}
		if err := syncDir(filepath.Dir(p.basepath)); err != nil {
			return err
		}
	}
	tmp, err := os.CreateTemp(p.basepath, ".put-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	return syncDir(p.basepath)
}

// ForEach calls f with the CID of every block file.
func (p *Blockstore) ForEach(ctx context.Context, f func(cid.Cid) error) error {
	entries, err := os.ReadDir(p.basepath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		c, err := cid.Decode(e.Name())
		if err != nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := f(c); err != nil {
			return err
		}
	}
	return nil
}

func (p *Blockstore) Delete(ctx context.Context, c cid.Cid) error {
	err := os.Remove(p.path(c))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
