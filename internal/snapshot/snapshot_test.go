package snapshot

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holoforge/scenecast/internal/domain"
	"github.com/holoforge/scenecast/internal/store"
)

type fakeUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    atomic.Int64
	blockCh chan struct{}
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{objects: make(map[string][]byte)}
}

func (f *fakeUploader) PutObject(ctx context.Context, input *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.blockCh != nil {
		<-f.blockCh
	}
	data, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.objects[*input.Key] = data
	f.mu.Unlock()
	f.puts.Add(1)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeUploader) get(key string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.objects[key]
}

func TestSnapshotter_DumpsAllRecordsGzipped(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.Put(ctx, domain.SceneRecord{SceneID: "a", TenantID: "t1", Scene: []byte(`{}`)}))
	require.NoError(t, st.Put(ctx, domain.SceneRecord{SceneID: "b", TenantID: "t1", Scene: []byte(`{}`)}))

	up := newFakeUploader()
	s := New(st, up, "bucket", time.Hour, zerolog.Nop())
	s.snapshotOnce(ctx)

	data := up.get(latestKey)
	require.NotEmpty(t, data)

	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	dec := json.NewDecoder(gz)
	count := 0
	for dec.More() {
		var rec domain.SceneRecord
		require.NoError(t, dec.Decode(&rec))
		count++
	}
	assert.Equal(t, 2, count)
	assert.Equal(t, int64(2), up.puts.Load(), "latest + archival copy")
}

func TestSnapshotter_NoBucketIsANoop(t *testing.T) {
	st := store.NewMemoryStore()
	up := newFakeUploader()
	s := New(st, up, "", time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	assert.Equal(t, int64(0), up.puts.Load())
}

func TestSnapshotter_SkipsTickWhilePreviousDumpInProgress(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.Put(ctx, domain.SceneRecord{SceneID: "a"}))

	up := newFakeUploader()
	up.blockCh = make(chan struct{})
	s := New(st, up, "bucket", time.Hour, zerolog.Nop())

	go s.snapshotOnce(ctx)
	time.Sleep(20 * time.Millisecond)

	s.snapshotOnce(ctx) // should observe inProgress and return immediately
	close(up.blockCh)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, int64(2), up.puts.Load(), "only the first dump's latest+archival puts happened")
}
