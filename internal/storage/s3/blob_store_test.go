package s3

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	put     *s3.PutObjectInput
	body    []byte
	putErr  error
	get     *s3.GetObjectInput
	expires time.Duration
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.put = in
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, f.putErr
}

func (f *fakeS3) PresignGetObject(_ context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	f.get = in
	var opts s3.PresignOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	f.expires = opts.Expires
	return &v4.PresignedHTTPRequest{URL: "https://assets.s3.amazonaws.com/" + aws.ToString(in.Key) + "?X-Amz-Signature=sig"}, nil
}

func TestUploadPutsObject(t *testing.T) {
	t.Parallel()

	fake := &fakeS3{}
	store, err := newBlobStore(fake, fake, Config{Bucket: "assets", KeyPrefix: "/pageacq/"})
	require.NoError(t, err)

	require.NoError(t, store.Upload(context.Background(), "job-1/a.pdf", "application/pdf", []byte("%PDF")))
	require.Equal(t, "assets", aws.ToString(fake.put.Bucket))
	require.Equal(t, "pageacq/job-1/a.pdf", aws.ToString(fake.put.Key))
	require.Equal(t, "application/pdf", aws.ToString(fake.put.ContentType))
	require.Equal(t, int64(4), aws.ToInt64(fake.put.ContentLength))
	require.Equal(t, "%PDF", string(fake.body))

	fake.putErr = errors.New("NoSuchBucket")
	require.ErrorContains(t, store.Upload(context.Background(), "x", "image/png", nil), "upload object to s3")
}

func TestPublicURLPresigns(t *testing.T) {
	t.Parallel()

	fake := &fakeS3{}
	store, err := newBlobStore(fake, fake, Config{Bucket: "assets"})
	require.NoError(t, err)

	u, err := store.PublicURL(context.Background(), "a.png", time.Hour)
	require.NoError(t, err)
	require.Equal(t, "https://assets.s3.amazonaws.com/a.png?X-Amz-Signature=sig", u)
	require.Equal(t, time.Hour, fake.expires)

	_, err = store.PublicURL(context.Background(), "a.png", 90*24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, maxPresignExpiry, fake.expires)
}

func TestPublicURLUsesCDNAndValidates(t *testing.T) {
	t.Parallel()

	store, err := newBlobStore(&fakeS3{}, &fakeS3{}, Config{Bucket: "assets", KeyPrefix: "p", CDNBaseURL: "https://cdn.example.com"})
	require.NoError(t, err)
	u, err := store.PublicURL(context.Background(), "a.png", time.Hour)
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example.com/p/a.png", u)

	_, err = newBlobStore(&fakeS3{}, &fakeS3{}, Config{})
	require.Error(t, err)
	_, err = New(nil, Config{Bucket: "b"})
	require.Error(t, err)
}
