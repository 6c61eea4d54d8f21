package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appcfg "github.com/jorgepascosoto/resumable-db-dump/internal/config"
	"github.com/jorgepascosoto/resumable-db-dump/internal/errors"
)

const fakeBucket = "dumps"

// fakeS3 is a path-style S3 endpoint good enough for the calls R2Client makes.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	mtimes  map[string]time.Time
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte), mtimes: make(map[string]time.Time)}
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, "/"+fakeBucket), "/")

	switch {
	case r.Method == http.MethodGet && key == "" && r.URL.Query().Get("list-type") == "2":
		f.list(w, r.URL.Query().Get("prefix"))
	case r.Method == http.MethodPut:
		data, _ := io.ReadAll(r.Body)
		f.objects[key] = data
		f.mtimes[key] = time.Now().UTC()
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet || r.Method == http.MethodHead:
		data, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			if r.Method == http.MethodGet {
				fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>not found</Message></Error>`)
			}
			return
		}
		w.Header().Set("Content-Length", fmt.Sprint(len(data)))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			w.Write(data)
		}
	case r.Method == http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeS3) list(w http.ResponseWriter, prefix string) {
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	b.WriteString(`<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">`)
	fmt.Fprintf(&b, "<Name>%s</Name><Prefix>%s</Prefix><KeyCount>%d</KeyCount><IsTruncated>false</IsTruncated>", fakeBucket, prefix, len(keys))
	for _, k := range keys {
		fmt.Fprintf(&b, "<Contents><Key>%s</Key><LastModified>%s</LastModified><Size>%d</Size></Contents>",
			k, f.mtimes[k].Format("2006-01-02T15:04:05.000Z"), len(f.objects[k]))
	}
	b.WriteString("</ListBucketResult>")

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, b.String())
}

func (f *fakeS3) object(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	return data, ok
}

func newTestR2Client(t *testing.T, prefix string) (*R2Client, *fakeS3) {
	t.Helper()

	fake := newFakeS3()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	cfg := &appcfg.Config{
		R2Endpoint:        srv.URL,
		R2AccessKeyID:     "test-key",
		R2SecretAccessKey: "test-secret",
		R2BucketName:      fakeBucket,
	}

	client, err := NewR2Client(context.Background(), cfg, prefix)
	require.NoError(t, err)
	return client, fake
}

func TestR2Client_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	client, fake := newTestR2Client(t, "progress/shop/")

	exists, err := client.Exists(ctx, "backup.txt")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = client.Get(ctx, "backup.txt")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNotFound)

	require.NoError(t, client.Put(ctx, "backup.txt", []byte(`{"name":"x"}`)))

	stored, ok := fake.object("progress/shop/backup.txt")
	require.True(t, ok, "object should be stored under the prefix")
	assert.Equal(t, `{"name":"x"}`, string(stored))

	data, err := client.Get(ctx, "backup.txt")
	require.NoError(t, err)
	assert.Equal(t, `{"name":"x"}`, string(data))

	exists, err = client.Exists(ctx, "backup.txt")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, client.Delete(ctx, "backup.txt"))
	_, ok = fake.object("progress/shop/backup.txt")
	assert.False(t, ok)
}

func TestR2Client_UploadAndList(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestR2Client(t, "backups/shop/")

	require.NoError(t, client.Upload(ctx, "backup-2024-01-01-00-00-00.sql", strings.NewReader("CREATE TABLE a (id INT);\n")))
	require.NoError(t, client.Upload(ctx, "backup-2024-01-02-00-00-00.sql", strings.NewReader("CREATE TABLE b (id INT);\n")))
	// Neither is a dump artifact
	require.NoError(t, client.Put(ctx, "backup.txt", []byte(`{"name":"backup-2024-01-02-00-00-00.sql"}`)))
	require.NoError(t, client.Put(ctx, "old/backup-2023-01-01-00-00-00.sql", []byte("x")))

	dumps, err := client.ListDumps(ctx)
	require.NoError(t, err)
	require.Len(t, dumps, 2)

	keys := []string{dumps[0].Key, dumps[1].Key}
	assert.ElementsMatch(t, []string{"backup-2024-01-01-00-00-00.sql", "backup-2024-01-02-00-00-00.sql"}, keys)
	assert.Equal(t, int64(25), dumps[0].Size)
}
