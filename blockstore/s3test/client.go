// Package s3test provides S3 clients for tests: an in-memory gofakes3
// server by default, or a real endpoint when PDS_TEST_S3_ENDPOINT is set.
package s3test

import (
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
)

// Client returns a client and a freshly-created bucket that are torn down
// when the test finishes.
func Client(t testing.TB) (*s3.S3, string) {
	t.Helper()
	var config *aws.Config
	if endpoint := os.Getenv("PDS_TEST_S3_ENDPOINT"); endpoint != "" {
		config = &aws.Config{
			Credentials: credentials.NewStaticCredentials(
				requireEnv(t, "AWS_ACCESS_KEY_ID"),
				requireEnv(t, "AWS_SECRET_ACCESS_KEY"),
				os.Getenv("AWS_SESSION_TOKEN"),
			),
			Endpoint:         aws.String(endpoint),
			Region:           aws.String(envOrDefault("AWS_REGION", "not-using-AWS")),
			S3ForcePathStyle: aws.Bool(true),
		}
	} else {
		faker := gofakes3.New(s3mem.New())
		ts := httptest.NewServer(faker.Server())
		t.Cleanup(ts.Close)
		config = &aws.Config{
			Credentials: credentials.NewStaticCredentials(
				"TEST-ACCESSKEYID",
				"TEST-SECRETACCESSKEY",
				"",
			),
			Endpoint:         aws.String(ts.URL),
			Region:           aws.String("ca-west-1"),
			DisableSSL:       aws.Bool(true),
			S3ForcePathStyle: aws.Bool(true),
		}
	}
	sess, err := session.NewSession(config)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	client := s3.New(sess)

	bucketName := randBucketName()
	if _, err := client.CreateBucket(&s3.CreateBucketInput{Bucket: &bucketName}); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	// runs before the fake server closes
	t.Cleanup(func() {
		if err := emptyBucket(client, bucketName); err != nil {
			t.Logf("empty bucket %s: %v", bucketName, err)
			return
		}
		client.DeleteBucket(&s3.DeleteBucketInput{Bucket: &bucketName})
	})
	return client, bucketName
}

func requireEnv(t testing.TB, key string) string {
	res := os.Getenv(key)
	if res == "" {
		t.Fatalf("environment '%s' unset", key)
	}
	return res
}

func envOrDefault(key, def string) string {
	if res := os.Getenv(key); res != "" {
		return res
	}
	return def
}

func randBucketName() string {
	i, err := rand.Int(rand.Reader, big.NewInt(math.MaxUint32))
	if err != nil {
		panic(err)
	}
	return fmt.Sprintf("pds-test-%s", i)
}

func emptyBucket(client *s3.S3, bucket string) error {
	return client.ListObjectsV2Pages(&s3.ListObjectsV2Input{Bucket: &bucket},
		func(page *s3.ListObjectsV2Output, lastPage bool) bool {
			if len(page.Contents) == 0 {
				return false
			}
			objects := make([]*s3.ObjectIdentifier, 0, len(page.Contents))
			for _, object := range page.Contents {
				objects = append(objects, &s3.ObjectIdentifier{Key: object.Key})
			}
			_, err := client.DeleteObjects(&s3.DeleteObjectsInput{
				Bucket: &bucket,
				Delete: &s3.Delete{Objects: objects},
			})
			return err == nil
		})
}
