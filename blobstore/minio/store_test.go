package minio

import (
	"os"
	"testing"

	"github.com/hupe1980/mvccdb/blobstore"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeys(t *testing.T) {
	s := NewStore(nil, "bucket", "/db/")
	assert.Equal(t, "db/CURRENT", s.key("CURRENT"))
	assert.Equal(t, "CURRENT", NewStore(nil, "bucket", "").key("CURRENT"))
}

func TestTranslate(t *testing.T) {
	err := minio.ErrorResponse{Code: "NoSuchKey"}
	assert.Equal(t, blobstore.ErrNotFound, translate(err))

	other := minio.ErrorResponse{Code: "AccessDenied"}
	assert.Equal(t, error(other), translate(other))
}

// TestIntegration runs against the server in MVCCDB_MINIO_ENDPOINT, e.g. localhost:9000.
func TestIntegration(t *testing.T) {
	endpoint := os.Getenv("MVCCDB_MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("MVCCDB_MINIO_ENDPOINT not set")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds: credentials.NewStaticV4("minioadmin", "minioadmin", ""),
	})
	require.NoError(t, err)

	ctx := t.Context()
	const bucket = "mvccdb-test"
	exists, err := client.BucketExists(ctx, bucket)
	require.NoError(t, err)
	if !exists {
		require.NoError(t, client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}))
	}

	s := NewStore(client, bucket, t.Name())
	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)

	require.NoError(t, s.Put(ctx, "checkpoint-1.ckpt", []byte("image")))
	require.NoError(t, s.Put(ctx, "CURRENT", []byte("checkpoint-1.ckpt")))

	data, err := s.Get(ctx, "CURRENT")
	require.NoError(t, err)
	assert.Equal(t, []byte("checkpoint-1.ckpt"), data)

	names, err := s.List(ctx, "checkpoint-")
	require.NoError(t, err)
	assert.Equal(t, []string{"checkpoint-1.ckpt"}, names)

	require.NoError(t, s.Delete(ctx, "checkpoint-1.ckpt"))
	require.NoError(t, s.Delete(ctx, "CURRENT"))
}
