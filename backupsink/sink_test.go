package backupsink

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3Types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSink(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "backups")
	sink, err := NewFileSink(dir)
	require.NoError(t, err)
	ctx := context.Background()

	loc, err := sink.Save(ctx, "backup-1.json", []byte(`{"version":1}`))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "backup-1.json"), loc)

	info, err := os.Stat(loc)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, err := sink.Load(ctx, "backup-1.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":1}`, string(got))

	require.NoError(t, sink.Delete(ctx, "backup-1.json"))
	_, err = sink.Load(ctx, "backup-1.json")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, sink.Delete(ctx, "backup-1.json"), ErrNotFound)
}

func TestFileSinkRejectsPathNames(t *testing.T) {
	sink, err := NewFileSink(t.TempDir())
	require.NoError(t, err)
	for _, name := range []string{"../escape.json", "a/b.json", "", ".hidden"} {
		_, err := sink.Save(context.Background(), name, []byte("x"))
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}
}

func TestBackupName(t *testing.T) {
	name := BackupName("did:key:z6MkhaXgBZDvotDkL5257faiztiGiC2QtKLGpbnnEGta2doK", 3, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	assert.Equal(t, "mailio-backup-tKLGpbnnEGta2doK-v3-20260301T120000Z.json", name)
	assert.NoError(t, validName(name))
}

// memoryObjects is a minimal in-memory bucket
type memoryObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	sse     map[string]s3Types.ServerSideEncryption
}

func newMemoryObjects() *memoryObjects {
	return &memoryObjects{objects: map[string][]byte{}, sse: map[string]s3Types.ServerSideEncryption{}}
}

func (m *memoryObjects) PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = b
	m.sse[aws.ToString(in.Key)] = in.ServerSideEncryption
	return &s3.PutObjectOutput{}, nil
}

func (m *memoryObjects) GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &s3Types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

func (m *memoryObjects) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

var errMultipart = errors.New("multipart not supported")

func (m *memoryObjects) UploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return nil, errMultipart
}

func (m *memoryObjects) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return nil, errMultipart
}

func (m *memoryObjects) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return nil, errMultipart
}

func (m *memoryObjects) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return &s3.AbortMultipartUploadOutput{}, nil
}

func TestS3Sink(t *testing.T) {
	objects := newMemoryObjects()
	sink := NewS3Sink(objects, "mailio-backups", "users/alice")
	ctx := context.Background()

	loc, err := sink.Save(ctx, "backup-1.json", []byte(`{"version":1}`))
	require.NoError(t, err)
	assert.Equal(t, "s3://mailio-backups/users/alice/backup-1.json", loc)
	assert.Equal(t, s3Types.ServerSideEncryptionAes256, objects.sse["users/alice/backup-1.json"])

	got, err := sink.Load(ctx, "backup-1.json")
	require.NoError(t, err)
	assert.Equal(t, `{"version":1}`, string(got))

	require.NoError(t, sink.Delete(ctx, "backup-1.json"))
	_, err = sink.Load(ctx, "backup-1.json")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = sink.Save(ctx, "../x", nil)
	assert.ErrorIs(t, err, ErrInvalidName)
	assert.False(t, strings.Contains(loc, ".."))
}

func TestS3SinkFromConfigRequiresBucket(t *testing.T) {
	_, err := NewS3SinkFromConfig(context.Background(), S3Config{Region: "eu-central-1"})
	assert.Error(t, err)
}
