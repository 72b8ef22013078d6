package indexcache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	"github.com/airframesio/ziptable/cmd/ziparchive"
)

const testURL = "https://example.com/dump.zip"

func testIndex(size uint64) *ziparchive.Index {
	return &ziparchive.Index{
		URL:       testURL,
		TotalSize: size,
		Entries: []ziparchive.Entry{
			{Name: "toc.dat", CompressedSize: 10, UncompressedSize: 10, LocalHeaderOffset: 0},
			{Name: "3001.dat.gz", CompressedSize: 400, UncompressedSize: 400, LocalHeaderOffset: 70, CRC32: 0xdeadbeef},
			{Name: "3002.dat", CompressedSize: 90, UncompressedSize: 500, LocalHeaderOffset: 520, Method: 8},
		},
	}
}

func TestCacheRoundTrip(t *testing.T) {
	stores := map[string]func(t *testing.T) Store{
		"Memory": func(t *testing.T) Store { return NewMemoryStore() },
		"File":   func(t *testing.T) Store { return NewFileStore(t.TempDir()) },
	}

	for storeName, mk := range stores {
		for _, compression := range []string{"zstd", "lz4", "gzip", "none"} {
			t.Run(storeName+"_"+compression, func(t *testing.T) {
				cache, err := New(mk(t), Options{Prefix: "indexes", Compression: compression})
				if err != nil {
					t.Fatal(err)
				}
				ctx := context.Background()
				idx := testIndex(1000)

				if _, ok := cache.Load(ctx, testURL, 1000); ok {
					t.Fatal("empty cache should miss")
				}

				cache.Save(ctx, testURL, 1000, idx)

				got, ok := cache.Load(ctx, testURL, 1000)
				if !ok {
					t.Fatal("expected cache hit after save")
				}
				if !reflect.DeepEqual(got, idx) {
					t.Errorf("loaded index differs:\n got %+v\nwant %+v", got, idx)
				}

				if _, ok := cache.Load(ctx, testURL, 1001); ok {
					t.Error("a different archive size must miss")
				}
				if _, ok := cache.Load(ctx, testURL+"?v=2", 1000); ok {
					t.Error("a different URL must miss")
				}
			})
		}
	}
}

func TestCacheKey(t *testing.T) {
	zstdCache, _ := New(NewMemoryStore(), Options{Prefix: "indexes"})
	noneCache, _ := New(NewMemoryStore(), Options{Compression: "none"})

	key := zstdCache.Key(testURL, 1000)
	if !strings.HasPrefix(key, "indexes/") || !strings.HasSuffix(key, ".json.zst") {
		t.Errorf("unexpected key layout %q", key)
	}
	if key == zstdCache.Key(testURL, 1001) {
		t.Error("keys must depend on size")
	}
	if strings.TrimSuffix(strings.TrimPrefix(key, "indexes/"), ".zst") != noneCache.Key(testURL, 1000) {
		t.Error("hash part of the key should not depend on prefix or codec")
	}
}

func TestCacheRejectsBadPayloads(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	cache, _ := New(store, Options{Compression: "none"})
	key := cache.Key(testURL, 1000)

	tests := []struct {
		name    string
		payload string
	}{
		{"NotJSON", "this is not json"},
		{"Truncated", `{"version":1,"url":"` + testURL},
		{"WrongURL", `{"version":1,"url":"https://other","total_size":1000,"entries":[]}`},
		{"WrongSize", `{"version":1,"url":"` + testURL + `","total_size":999,"entries":[]}`},
		{"WrongVersion", `{"version":0,"url":"` + testURL + `","total_size":1000,"entries":[]}`},
		{"OffsetOutOfRange", `{"version":1,"url":"` + testURL + `","total_size":1000,"entries":[{"name":"x","local_header_offset":1000}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_ = store.Put(ctx, key, []byte(tt.payload))
			if idx, ok := cache.Load(ctx, testURL, 1000); ok {
				t.Errorf("expected miss, got %+v", idx)
			}
		})
	}

	t.Run("WrongCodec", func(t *testing.T) {
		zcache, _ := New(store, Options{Compression: "zstd"})
		_ = store.Put(ctx, zcache.Key(testURL, 1000), []byte("plain bytes, not zstd"))
		if _, ok := zcache.Load(ctx, testURL, 1000); ok {
			t.Error("expected miss on undecodable payload")
		}
	})
}

type failingStore struct {
	err error
}

func (f failingStore) Get(context.Context, string) ([]byte, bool, error) { return nil, false, f.err }
func (f failingStore) Put(context.Context, string, []byte) error         { return f.err }

func TestCacheAbsorbsStoreErrors(t *testing.T) {
	cache, _ := New(failingStore{err: errors.New("disk on fire")}, Options{})
	ctx := context.Background()

	// Save must not panic or surface the error
	cache.Save(ctx, testURL, 1000, testIndex(1000))

	if _, ok := cache.Load(ctx, testURL, 1000); ok {
		t.Error("store errors must be reported as a miss")
	}
}

func TestNewRejectsUnknownCodec(t *testing.T) {
	if _, err := New(NewMemoryStore(), Options{Compression: "brotli"}); err == nil {
		t.Error("expected unknown compression to fail")
	}
}

type fakeS3 struct {
	s3iface.S3API
	objects map[string][]byte
	getErr  error
}

func (f *fakeS3) GetObjectWithContext(_ aws.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	data, ok := f.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "The specified key does not exist.", nil)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObjectWithContext(_ aws.Context, in *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Bucket+"/"+*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func TestS3Store(t *testing.T) {
	ctx := context.Background()
	client := &fakeS3{objects: make(map[string][]byte)}
	cache, _ := New(NewS3Store(client, "archive-meta"), Options{Prefix: "ziptable/indexes"})

	if _, ok := cache.Load(ctx, testURL, 1000); ok {
		t.Fatal("expected miss on NoSuchKey")
	}

	idx := testIndex(1000)
	cache.Save(ctx, testURL, 1000, idx)
	if len(client.objects) != 1 {
		t.Fatalf("expected one object, got %d", len(client.objects))
	}
	for k := range client.objects {
		if !strings.HasPrefix(k, "archive-meta/ziptable/indexes/") {
			t.Errorf("unexpected object key %q", k)
		}
	}

	got, ok := cache.Load(ctx, testURL, 1000)
	if !ok || !reflect.DeepEqual(got, idx) {
		t.Errorf("expected round trip through S3 store, got %+v, %v", got, ok)
	}

	client.getErr = awserr.New("AccessDenied", "Access Denied", nil)
	if _, ok := cache.Load(ctx, testURL, 1000); ok {
		t.Error("expected miss on access error")
	}
	_, _, err := NewS3Store(client, "archive-meta").Get(ctx, "x")
	if err == nil {
		t.Error("non-404 errors should surface from the store")
	}
}
