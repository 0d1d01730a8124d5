package blob

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakeS3 struct {
	putFn func(*s3.PutObjectInput) (*s3.PutObjectOutput, error)
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	return f.putFn(in)
}

type fakePresigner struct {
	gotExpires time.Duration
}

func (f *fakePresigner) PresignGetObject(_ context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*PresignedRequest, error) {
	var opts s3.PresignOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	f.gotExpires = opts.Expires
	return &PresignedRequest{URL: "https://bucket.example/" + aws.ToString(in.Key) + "?sig=1"}, nil
}

func TestRecordingKey(t *testing.T) {
	if got := RecordingKey("ses_1", "rec_9_0"); got != "recordings/ses_1/rec_9_0.mp4" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestS3Store_PutObject(t *testing.T) {
	var body string
	client := &fakeS3{putFn: func(in *s3.PutObjectInput) (*s3.PutObjectOutput, error) {
		b, _ := io.ReadAll(in.Body)
		body = string(b)
		if aws.ToInt64(in.ContentLength) != 5 || aws.ToString(in.Key) != "recordings/a/b.mp4" {
			t.Fatalf("unexpected input: %+v", in)
		}
		return &s3.PutObjectOutput{}, nil
	}}
	st, err := NewS3Store(context.Background(), S3Options{Client: client, Presigner: &fakePresigner{}})
	if err != nil {
		t.Fatalf("NewS3Store returned err: %v", err)
	}
	if err := st.PutObject(context.Background(), "rec", "recordings/a/b.mp4", strings.NewReader("hello"), 5); err != nil {
		t.Fatalf("PutObject returned err: %v", err)
	}
	if body != "hello" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestS3Store_PutObjectError(t *testing.T) {
	client := &fakeS3{putFn: func(*s3.PutObjectInput) (*s3.PutObjectOutput, error) {
		return nil, errors.New("access denied")
	}}
	st, _ := NewS3Store(context.Background(), S3Options{Client: client, Presigner: &fakePresigner{}})
	if err := st.PutObject(context.Background(), "rec", "k", strings.NewReader("x"), 1); err == nil {
		t.Fatal("expected error")
	}
}

func TestS3Store_PresignDefaultsTTL(t *testing.T) {
	p := &fakePresigner{}
	st, _ := NewS3Store(context.Background(), S3Options{Client: &fakeS3{}, Presigner: p})
	u, err := st.PresignGet(context.Background(), "rec", "recordings/a/b.mp4", 0)
	if err != nil {
		t.Fatalf("PresignGet returned err: %v", err)
	}
	if p.gotExpires != time.Hour || !strings.Contains(u, "recordings/a/b.mp4") {
		t.Fatalf("unexpected presign: url=%s expires=%s", u, p.gotExpires)
	}
}

func TestMemoryStore(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	if _, err := m.PresignGet(ctx, "b", "k", time.Minute); err == nil {
		t.Fatal("expected error for missing object")
	}
	if err := m.PutObject(ctx, "b", "k", strings.NewReader("abc"), 3); err != nil {
		t.Fatalf("PutObject returned err: %v", err)
	}
	if got, ok := m.Object("b", "k"); !ok || string(got) != "abc" {
		t.Fatalf("unexpected object %q", got)
	}
}
