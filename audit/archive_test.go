package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/aggregator/am"
	"github.com/teranos/aggregator/errors"
)

type fakeUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (f *fakeUploader) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = body
	return &s3.PutObjectOutput{}, nil
}

func seededStore(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Persist(ctx, Entry{ID: "e1", QueryID: "fp", Query: "q1", RegisteredBy: "alice", Timestamp: t0, Status: StatusExecuting}))
	require.NoError(t, s.Persist(ctx, Entry{ID: "e2", QueryID: "fp2", Query: "q2", RegisteredBy: "bob", Timestamp: t0, Status: StatusDuplicate, SimilarTo: "e1"}))
	return s
}

func TestArchiver_Archive(t *testing.T) {
	up := &fakeUploader{}
	a, err := NewArchiver(seededStore(t), up, am.ArchiveConfig{Bucket: "audit", Prefix: "logs"}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	a.clock = func() time.Time { return t0 }

	key, err := a.Archive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "logs/20240501T120000.000000000Z.json.snappy", key)
	assert.Equal(t, key, a.LastKey())

	body, ok := up.objects["audit/"+key]
	require.True(t, ok)

	entries, err := Decode(body)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, []string{"e2"}, entries[0].SimilarQueries)
}

func TestArchiver_UploadFailure(t *testing.T) {
	up := &fakeUploader{err: errors.New("access denied")}
	a, err := NewArchiver(seededStore(t), up, am.ArchiveConfig{Bucket: "audit"}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	_, err = a.Archive(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
	assert.Empty(t, a.LastKey())
}

func TestNewArchiver_RequiresBucket(t *testing.T) {
	_, err := NewArchiver(NewMemoryStore(), &fakeUploader{}, am.ArchiveConfig{}, nil)
	assert.Error(t, err)
}

func TestArchiver_RunArchivesOnShutdown(t *testing.T) {
	up := &fakeUploader{}
	a, err := NewArchiver(seededStore(t), up, am.ArchiveConfig{Bucket: "audit"}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	assert.NotEmpty(t, a.LastKey())
}

func TestExport(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Export(context.Background(), seededStore(t), dir))

	data, err := os.ReadFile(filepath.Join(dir, DefaultExportFile))
	require.NoError(t, err)

	var raw []map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Len(t, raw, 2)
	for _, key := range []string{"query_id", "query", "registered_by", "timestamp", "similar_queries_id", "access_log"} {
		assert.Contains(t, raw[0], key)
	}
	assert.Equal(t, []interface{}{"e2"}, raw[0]["similar_queries_id"])
}

func TestExport_EmptyStoreWritesArray(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "audit.json")
	require.NoError(t, Export(context.Background(), NewMemoryStore(), path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(data))
}
