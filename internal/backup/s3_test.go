package backup

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

func TestParseS3BucketURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		raw       string
		wantErr   bool
		wantBkt   string
		wantPre   string
		errSubstr string
	}{
		{name: "bucket only", raw: "s3://catalog", wantBkt: "catalog"},
		{name: "bucket with prefix", raw: "s3://catalog/netos/backups/", wantBkt: "catalog", wantPre: "netos/backups"},
		{name: "invalid scheme", raw: "https://catalog/netos", wantErr: true, errSubstr: "s3:// scheme"},
		{name: "missing bucket", raw: "s3:///netos", wantErr: true, errSubstr: "missing bucket"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			gotBkt, gotPre, err := parseS3BucketURL(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !strings.Contains(err.Error(), tt.errSubstr) {
					t.Fatalf("err = %q, want substring %q", err.Error(), tt.errSubstr)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseS3BucketURL: %v", err)
			}
			if gotBkt != tt.wantBkt || gotPre != tt.wantPre {
				t.Fatalf("got (%q, %q), want (%q, %q)", gotBkt, gotPre, tt.wantBkt, tt.wantPre)
			}
		})
	}
}

func TestNormalizeEndpoint(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		in     string
		useSSL bool
		want   string
	}{
		"empty":       {in: "  ", want: ""},
		"bare tls":    {in: "minio.local:9000", useSSL: true, want: "https://minio.local:9000"},
		"bare plain":  {in: "minio.local:9000", want: "http://minio.local:9000"},
		"scheme kept": {in: "http://minio.local", useSSL: true, want: "http://minio.local"},
	}
	for name, tc := range cases {
		if got := normalizeEndpoint(tc.in, tc.useSSL); got != tc.want {
			t.Errorf("%s: normalizeEndpoint(%q) = %q, want %q", name, tc.in, got, tc.want)
		}
	}
}

func TestNewS3Repository_MissingCredentials(t *testing.T) {
	t.Parallel()

	_, err := NewS3Repository(context.Background(), S3Config{
		BucketURL: "s3://catalog/netos",
		Endpoint:  "s3.amazonaws.com",
		UseSSL:    true,
	})
	if err == nil {
		t.Fatal("expected missing credentials error")
	}
	if !strings.Contains(err.Error(), "access key and secret key are required") {
		t.Fatalf("unexpected error: %v", err)
	}
}

type fakeS3Object struct {
	body     []byte
	metadata map[string]string
}

// fakeS3 is an in-memory bucket. Setting fail makes every call fail with a
// non-API error.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]fakeS3Object
	fail    error
	puts    int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string]fakeS3Object{}}
}

func (f *fakeS3) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{Metadata: obj.metadata}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(obj.body))}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = fakeS3Object{body: body, metadata: in.Metadata}
	f.puts++
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	out := &s3.ListObjectsV2Output{}
	prefix := aws.ToString(in.Prefix)
	// Map iteration order is random, which is what Discover must cope with.
	for key := range f.objects {
		if strings.HasPrefix(key, prefix) {
			out.Contents = append(out.Contents, types.Object{Key: aws.String(key)})
		}
	}
	return out, nil
}

func (f *fakeS3) putRaw(key, description string, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = fakeS3Object{body: body, metadata: map[string]string{descriptionKey: description}}
}

func testEnvelope(t *testing.T, raw string) *Envelope {
	t.Helper()
	env, err := Encode([]byte(raw), map[string]int64{"users": 1})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return env
}

func TestS3Repository_CreateFetchRoundTrip(t *testing.T) {
	t.Parallel()

	fake := newFakeS3()
	repo := newS3Repository(fake, "catalog", "netos", "community-apps")
	ctx := context.Background()

	h, err := repo.Create(ctx, "community-apps", testEnvelope(t, "db-bytes"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !strings.HasPrefix(string(h), "netos/catalog-backup-") {
		t.Fatalf("handle = %q, want netos/ prefix", h)
	}

	ok, err := repo.Exists(ctx, h)
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v", ok, err)
	}

	env, err := repo.Fetch(ctx, h)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	raw, err := Decode(env)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(raw) != "db-bytes" {
		t.Fatalf("raw = %q", raw)
	}
}

func TestS3Repository_MissingObject(t *testing.T) {
	t.Parallel()

	repo := newS3Repository(newFakeS3(), "catalog", "", "community-apps")
	ctx := context.Background()

	ok, err := repo.Exists(ctx, "nope.json")
	if err != nil || ok {
		t.Fatalf("Exists = %v, %v; want false, nil", ok, err)
	}
	if _, err := repo.Fetch(ctx, "nope.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Fetch err = %v, want ErrNotFound", err)
	}
	if _, err := repo.Discover(ctx, "community-apps"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Discover err = %v, want ErrNotFound", err)
	}
}

func TestS3Repository_UpdateKeepsHandleAndDescription(t *testing.T) {
	t.Parallel()

	fake := newFakeS3()
	repo := newS3Repository(fake, "catalog", "", "community-apps")
	ctx := context.Background()

	h, err := repo.Create(ctx, "netos community-apps backup", testEnvelope(t, "v1"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := repo.Update(ctx, h, testEnvelope(t, "v2"))
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got != h {
		t.Fatalf("Update handle = %q, want %q", got, h)
	}
	if desc := fake.objects[string(h)].metadata[descriptionKey]; desc != "netos community-apps backup" {
		t.Fatalf("description = %q", desc)
	}
	env, _ := repo.Fetch(ctx, h)
	raw, _ := Decode(env)
	if string(raw) != "v2" {
		t.Fatalf("raw = %q, want v2", raw)
	}
}

func TestS3Repository_UpdateVanishedCreatesNew(t *testing.T) {
	t.Parallel()

	fake := newFakeS3()
	repo := newS3Repository(fake, "catalog", "", "community-apps")
	ctx := context.Background()

	got, err := repo.Update(ctx, "gone.json", testEnvelope(t, "v1"))
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got == "gone.json" || got == "" {
		t.Fatalf("Update handle = %q, want a new handle", got)
	}
	found, err := repo.Discover(ctx, "community-apps")
	if err != nil || found != got {
		t.Fatalf("Discover = %q, %v; want %q", found, err, got)
	}
}

func TestS3Repository_DiscoverSortedFirstMatch(t *testing.T) {
	t.Parallel()

	fake := newFakeS3()
	fake.putRaw("c.json", "community-apps", []byte("{}"))
	fake.putRaw("a.json", "unrelated", []byte("{}"))
	fake.putRaw("b.json", "netos community-apps", []byte("{}"))
	repo := newS3Repository(fake, "catalog", "", "community-apps")

	for range 5 {
		h, err := repo.Discover(context.Background(), "community-apps")
		if err != nil {
			t.Fatalf("Discover: %v", err)
		}
		if h != "b.json" {
			t.Fatalf("Discover = %q, want b.json", h)
		}
	}
}

func TestS3Repository_CorruptObject(t *testing.T) {
	t.Parallel()

	fake := newFakeS3()
	fake.putRaw("bad.json", "community-apps", []byte("not json"))
	repo := newS3Repository(fake, "catalog", "", "community-apps")

	if _, err := repo.Fetch(context.Background(), "bad.json"); !errors.Is(err, ErrCorruptEnvelope) {
		t.Fatalf("Fetch err = %v, want ErrCorruptEnvelope", err)
	}
}

func TestS3Repository_TransportFailureIsUnavailable(t *testing.T) {
	t.Parallel()

	fake := newFakeS3()
	fake.fail = errors.New("dial tcp: connection refused")
	repo := newS3Repository(fake, "catalog", "", "community-apps")
	ctx := context.Background()

	if err := repo.Probe(ctx); !errors.Is(err, ErrRemoteUnavailable) {
		t.Fatalf("Probe err = %v", err)
	}
	if _, err := repo.Exists(ctx, "x.json"); !errors.Is(err, ErrRemoteUnavailable) {
		t.Fatalf("Exists err = %v", err)
	}
	if _, err := repo.Fetch(ctx, "x.json"); !errors.Is(err, ErrRemoteUnavailable) {
		t.Fatalf("Fetch err = %v", err)
	}
	if _, err := repo.Create(ctx, "t", testEnvelope(t, "x")); !errors.Is(err, ErrRemoteUnavailable) {
		t.Fatalf("Create err = %v", err)
	}
	if _, err := repo.Discover(ctx, "t"); !errors.Is(err, ErrRemoteUnavailable) {
		t.Fatalf("Discover err = %v", err)
	}
}
