package postgres

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/opnet-plugins/pkg/storage"
)

// fakeS3 is an in-memory bucket implementing S3API
type fakeS3 struct {
	mu       sync.Mutex
	bucket   string
	created  bool
	objects  map[string][]byte
	metadata map[string]map[string]string
	putErr   error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, metadata: map[string]map[string]string{}}
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(k),
			Size:         aws.Int64(int64(len(f.objects[k]))),
			LastModified: aws.Time(time.Unix(1700000000, 0)),
		})
	}
	return out, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	f.metadata[aws.ToString(in.Key)] = in.Metadata
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) CopyObject(ctx context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	src := strings.TrimPrefix(aws.ToString(in.CopySource), f.bucket+"/")
	data, ok := f.objects[src]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	f.objects[aws.ToString(in.Key)] = data
	return &s3.CopyObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if !f.created {
		return nil, &types.NotFound{}
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) CreateBucket(ctx context.Context, in *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	f.created = true
	f.bucket = aws.ToString(in.Bucket)
	return &s3.CreateBucketOutput{}, nil
}

func newS3Store(t *testing.T) (*S3Store, *fakeS3) {
	t.Helper()
	fake := newFakeS3()
	store, err := NewS3Store(context.Background(), fake, "plugins", "node-1", nil)
	require.NoError(t, err)
	return store, fake
}

func TestNewS3Store(t *testing.T) {
	store, fake := newS3Store(t)
	assert.True(t, fake.created, "bucket created on first use")
	assert.Equal(t, "node-1/x.opnet", store.key("x.opnet"))
	assert.NoError(t, store.HealthCheck(context.Background()))

	_, err := NewS3Store(context.Background(), fake, "", "", nil)
	assert.Error(t, err)
}

func TestS3Store_PutGetList(t *testing.T) {
	ctx := context.Background()
	store, fake := newS3Store(t)

	require.NoError(t, store.Put(ctx, "b.opnet", []byte("bbb")))
	require.NoError(t, store.Put(ctx, "a.opnet", []byte("a")))
	fake.objects["node-1/README.md"] = []byte("x")
	fake.objects["node-1/nested/c.opnet"] = []byte("x")
	fake.objects["other/d.opnet"] = []byte("x")

	assert.Len(t, fake.metadata["node-1/b.opnet"]["checksum-sha256"], 64)

	data, err := store.Get(ctx, "b.opnet")
	require.NoError(t, err)
	assert.Equal(t, "bbb", string(data))

	_, err = store.Get(ctx, "missing.opnet")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.Get(ctx, "../x.opnet")
	assert.ErrorIs(t, err, storage.ErrInvalidName)

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a.opnet", list[0].Name)
	assert.Equal(t, int64(3), list[1].Size)
}

func TestS3Store_DisableEnableDelete(t *testing.T) {
	ctx := context.Background()
	store, fake := newS3Store(t)
	require.NoError(t, store.Put(ctx, "indexer.opnet", []byte("x")))

	require.NoError(t, store.Disable(ctx, "indexer.opnet"))
	assert.Contains(t, fake.objects, "node-1/indexer.opnet.disabled")
	assert.NotContains(t, fake.objects, "node-1/indexer.opnet")
	assert.ErrorIs(t, store.Disable(ctx, "indexer.opnet"), storage.ErrNotFound)

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Disabled)

	require.NoError(t, store.Enable(ctx, "indexer.opnet"))
	assert.Contains(t, fake.objects, "node-1/indexer.opnet")

	require.NoError(t, store.Delete(ctx, "indexer.opnet"))
	assert.Empty(t, fake.objects)
	assert.ErrorIs(t, store.Delete(ctx, "indexer.opnet"), storage.ErrNotFound)
}

func TestS3Store_PutError(t *testing.T) {
	store, fake := newS3Store(t)
	fake.putErr = errors.New("access denied")
	err := store.Put(context.Background(), "x.opnet", []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}

func TestIsNotFoundError(t *testing.T) {
	assert.False(t, isNotFoundError(nil))
	assert.True(t, isNotFoundError(&types.NoSuchKey{}))
	assert.True(t, isNotFoundError(&types.NotFound{}))
	assert.False(t, isNotFoundError(errors.New("NoSuchKey")))
	assert.True(t, isBucketAlreadyExistsError(&types.BucketAlreadyOwnedByYou{}))
}
