// Package s3 stores blocks as objects in an S3 bucket, under one key prefix
// per account.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	lru "github.com/hashicorp/golang-lru"
	"github.com/ipfs/go-cid"
	"github.com/jrhy/pds/mst"
)

type S3Interface interface {
	DeleteObjectWithContext(ctx aws.Context, input *s3.DeleteObjectInput, opts ...request.Option) (*s3.DeleteObjectOutput, error)
	GetObjectWithContext(ctx aws.Context, input *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error)
	HeadObjectWithContext(ctx aws.Context, input *s3.HeadObjectInput, opts ...request.Option) (*s3.HeadObjectOutput, error)
	ListObjectsV2PagesWithContext(ctx aws.Context, input *s3.ListObjectsV2Input, fn func(*s3.ListObjectsV2Output, bool) bool, opts ...request.Option) error
	PutObjectWithContext(ctx aws.Context, input *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error)
}

// Blockstore implements mst.Blockstore and mst.Reclaimer with objects named
// Prefix + CID. Blocks known to be stored are remembered in an LRU so they
// aren't uploaded twice. It is safe for concurrent use.
type Blockstore struct {
	s3         S3Interface
	BucketName string
	Prefix     string
	lru        *lru.Cache
}

var _ mst.Blockstore = (*Blockstore)(nil)
var _ mst.Reclaimer = (*Blockstore)(nil)

// NewBlockstore returns a Blockstore that loads and stores blocks as
// objects with the given S3 client and bucket name.
func NewBlockstore(client S3Interface, bucketName, prefix string) *Blockstore {
	cache, err := lru.New(1000)
	if err != nil {
		panic(err)
	}
	return &Blockstore{client, bucketName, prefix, cache}
}

// Account returns the Blockstore for one account's blocks, under
// Prefix + DID + "/". Its LRU is shared; keys include the account prefix.
func (p *Blockstore) Account(did string) *Blockstore {
	return &Blockstore{p.s3, p.BucketName, p.Prefix + did + "/", p.lru}
}

func (p *Blockstore) key(c cid.Cid) string {
	return p.Prefix + c.String()
}

func isNotFound(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) && aerr.Code() == s3.ErrCodeNoSuchKey {
		return true
	}
	var rerr awserr.RequestFailure
	return errors.As(err, &rerr) && rerr.StatusCode() == http.StatusNotFound
}

// Get loads the bytes persisted in the named object.
func (p *Blockstore) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	input := s3.GetObjectInput{
		Bucket: &p.BucketName,
		Key:    aws.String(p.key(c)),
	}
	output, err := p.s3.GetObjectWithContext(ctx, &input)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s: %w", c, mst.ErrBlockNotFound)
		}
		return nil, err
	}
	defer output.Body.Close()
	b, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, err
	}
	p.lru.Add(p.key(c), nil)
	return b, nil
}

func (p *Blockstore) Has(ctx context.Context, c cid.Cid) (bool, error) {
	if _, present := p.lru.Get(p.key(c)); present {
		return true, nil
	}
	_, err := p.s3.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: &p.BucketName,
		Key:    aws.String(p.key(c)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	p.lru.Add(p.key(c), nil)
	return true, nil
}

// Put persists the given bytes in an object named by the CID, unless it's
// known to exist already.
func (p *Blockstore) Put(ctx context.Context, c cid.Cid, b []byte) error {
	if _, present := p.lru.Get(p.key(c)); present {
		return nil
	}
	input := s3.PutObjectInput{
		Bucket: &p.BucketName,
		Key:    aws.String(p.key(c)),
		Body:   bytes.NewReader(b),
	}
	_, err := p.s3.PutObjectWithContext(ctx, &input)
	if err != nil {
		return err
	}
	p.lru.Add(p.key(c), nil)
	return nil
}

// ForEach calls f with the CID of every object directly under Prefix.
func (p *Blockstore) ForEach(ctx context.Context, f func(cid.Cid) error) error {
	var cbErr error
	err := p.s3.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: &p.BucketName,
		Prefix: aws.String(p.Prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, object := range page.Contents {
			name := strings.TrimPrefix(aws.StringValue(object.Key), p.Prefix)
			if strings.Contains(name, "/") {
				continue
			}
			c, err := cid.Decode(name)
			if err != nil {
				continue
			}
			if cbErr = f(c); cbErr != nil {
				return false
			}
		}
		return true
	})
	if cbErr != nil {
		return cbErr
	}
	return err
}

func (p *Blockstore) Delete(ctx context.Context, c cid.Cid) error {
	p.lru.Remove(p.key(c))
	_, err := p.s3.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: &p.BucketName,
		Key:    aws.String(p.key(c)),
	})
	return err
}
