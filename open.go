package pds

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/jrhy/pds/blockstore/file"
	s3store "github.com/jrhy/pds/blockstore/s3"
	"github.com/jrhy/pds/firehose"
	"github.com/jrhy/pds/mst"
	"github.com/jrhy/pds/store"
	"github.com/sirupsen/logrus"
)

// Open opens the server's storage as described by cfg. Close releases it.
func Open(ctx context.Context, cfg *Config, log *logrus.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := store.Open(store.Config{
		Path:          filepath.Join(cfg.DataDir, "db"),
		MinimumFreeGB: cfg.Storage.MinimumFreeGB,
		Logger:        log,
	})
	if err != nil {
		return nil, err
	}
	closers := []func() error{db.Close}
	fail := func(err error) (*Server, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		return nil, err
	}

	blocks, err := accountBlocks(cfg, db)
	if err != nil {
		return fail(err)
	}
	events, err := db.EventLog()
	if err != nil {
		return fail(fmt.Errorf("event log: %w", err))
	}
	closers = append(closers, events.Close)

	rc := cfg.repoConfig()
	rc.Blocks = blocks
	rc.Heads = db.Heads()
	rc.Keys = db.Keyring()
	rc.Logger = log
	var auth Authenticator
	if len(cfg.Auth) > 0 {
		auth = TokenAuthenticator(cfg.Auth)
	}
	s, err := New(ctx, Options{
		Repo: rc,
		Firehose: firehose.Config{
			Log:              events,
			RetainEvents:     cfg.Firehose.RetainEvents,
			SubscriberBuffer: cfg.Firehose.SubscriberBuffer,
			Logger:           log,
		},
		Outbox:        db.Outbox(),
		Auth:          auth,
		Hostname:      cfg.Hostname,
		Relays:        cfg.Firehose.Relays,
		CrawlInterval: cfg.Firehose.CrawlInterval,
		GCInterval:    cfg.GC.Interval,
		Logger:        log,
	})
	if err != nil {
		return fail(err)
	}
	s.closers = closers
	s.compact = db.CollectValueLog
	return s, nil
}

func accountBlocks(cfg *Config, db *store.DB) (func(did string) mst.Blockstore, error) {
	switch cfg.Storage.Backend {
	case "file":
		root := file.NewBlockstoreForPath(filepath.Join(cfg.DataDir, "blocks"))
		return func(did string) mst.Blockstore { return root.Account(did) }, nil
	case "s3":
		c := cfg.Storage.S3
		awsConfig := &aws.Config{}
		if c.Region != "" {
			awsConfig.Region = aws.String(c.Region)
		}
		if c.Endpoint != "" {
			awsConfig.Endpoint = aws.String(c.Endpoint)
			awsConfig.S3ForcePathStyle = aws.Bool(true)
		}
		sess, err := session.NewSession(awsConfig)
		if err != nil {
			return nil, fmt.Errorf("s3 session: %w", err)
		}
		root := s3store.NewBlockstore(s3.New(sess), c.Bucket, c.Prefix)
		return func(did string) mst.Blockstore { return root.Account(did) }, nil
	}
	return func(did string) mst.Blockstore { return db.Blockstore(did) }, nil
}
