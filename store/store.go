// Package store keeps a server's durable state in one badger database:
// account blocks, account heads, signing keys, the firehose event log and
// the events waiting to be sequenced.
//
// Keys are
//
//	blk/<did>/<cid bytes>   block data
//	head/<did>              protobuf-encoded head
//	key/<did>/<since>       signing key valid from rev since
//	evt/<seq, 8 bytes BE>   zstd-compressed firehose frame
//	outq/<did>/<id, 8 BE>   frame of an event not yet sequenced
//	outn/<did>              last outbox id of the account
package store

import (
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"
)

// Config locates and sizes the database.
type Config struct {
	Path string
	// InMemory keeps everything in memory, for testing. Path is ignored.
	InMemory bool
	// MinimumFreeGB refuses to open when the disk holding Path has less
	// free space.
	MinimumFreeGB int
	Logger        *logrus.Logger
}

// DB is an open database.
type DB struct {
	db  *badger.DB
	log *logrus.Logger
}

// Open opens or creates the database.
func Open(cfg Config) (*DB, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	log := cfg.Logger
	opts := badger.DefaultOptions(cfg.Path).
		WithLogger(log).
		WithSyncWrites(true).
		WithNumVersionsToKeep(1)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(log)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("no path provided")
		}
		if err := os.MkdirAll(cfg.Path, 0o700); err != nil {
			return nil, fmt.Errorf("mkdir: %w", err)
		}
		if err := checkFreeSpace(log, cfg.Path, cfg.MinimumFreeGB); err != nil {
			return nil, err
		}
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Path, err)
	}
	return &DB{db: db, log: log}, nil
}

func checkFreeSpace(log *logrus.Logger, path string, minimumGB int) error {
	usage, err := disk.Usage(path)
	if err != nil {
		return fmt.Errorf("disk usage of %s: %w", path, err)
	}
	freeGB := usage.Free / (1 << 30)
	log.WithFields(logrus.Fields{
		"path":      path,
		"fstype":    usage.Fstype,
		"total(GB)": fmt.Sprintf("%.2f", float64(usage.Total)/(1<<30)),
		"free(GB)":  fmt.Sprintf("%.2f", float64(usage.Free)/(1<<30)),
		"used":      fmt.Sprintf("%.1f%%", usage.UsedPercent),
	}).Info("disk usage")
	if minimumGB > 0 && freeGB < uint64(minimumGB) {
		return fmt.Errorf("%s has %dGB free, need %dGB", path, freeGB, minimumGB)
	}
	return nil
}

// Close flushes and closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// CollectValueLog rewrites value log files that are mostly garbage.
func (d *DB) CollectValueLog() error {
	for {
		err := d.db.RunValueLogGC(0.5)
		switch {
		case err == nil:
			continue
		case errors.Is(err, badger.ErrNoRewrite), errors.Is(err, badger.ErrGCInMemoryMode):
			return nil
		default:
			return fmt.Errorf("value log gc: %w", err)
		}
	}
}

// update runs f in a read-write transaction, retrying when it conflicts with
// another.
func (d *DB) update(f func(txn *badger.Txn) error) error {
	for {
		err := d.db.Update(f)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
}

// forEachKey calls f with each key having prefix, in order, with the prefix
// removed. Values are not read.
func (d *DB) forEachKey(prefix []byte, f func(key []byte) error) error {
	return d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			if err := f(key[len(prefix):]); err != nil {
				return err
			}
		}
		return nil
	})
}
