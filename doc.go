/*
Package pds is a personal data server: it hosts accounts' repositories of
signed records and streams every change to relays over the firehose.

A Server owns one repo.Engine and one firehose.Sequencer. Changes to an
account are made under the account's lock, and the resulting event is
sequenced before the lock is released, so each account's events appear on
the firehose in the order its commits were made.

	srv, err := pds.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer srv.Close()
	_, err = srv.CreateAccount(ctx, "did:example:alice", key)
	res, seq, err := srv.ApplyWrites(ctx, "did:example:alice", writes,
		repo.WriteOptions{Actor: "did:example:alice"})

Storage comes from the store package (badger) for heads, keys and the event
log; account blocks can instead live in files (blockstore/file) or in S3
(blockstore/s3).
*/
package pds
