package archive

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/example/caption-demo/internal/logging"
)

type stubPutter struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (s *stubPutter) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	s.input = params
	s.body, _ = io.ReadAll(params.Body)
	if s.err != nil {
		return nil, s.err
	}
	return &s3.PutObjectOutput{}, nil
}

var fixedTime = time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC)

func TestObjectKey(t *testing.T) {
	cases := []struct {
		name, mimeType, want string
	}{
		{"Dog.JPG", "image/jpeg", "uploads/sess/file_20240305_140709.jpg"},
		{"photo", "image/png", "uploads/sess/file_20240305_140709.png"},
		{"blob", "application/x-unknown-thing", "uploads/sess/file_20240305_140709.bin"},
	}
	for _, tc := range cases {
		if got := ObjectKey("uploads/", "sess", tc.name, tc.mimeType, fixedTime); got != tc.want {
			t.Errorf("ObjectKey(%q, %q) = %q, want %q", tc.name, tc.mimeType, got, tc.want)
		}
	}
}

func TestArchivePutsObject(t *testing.T) {
	putter := &stubPutter{}
	a := NewWithClient(putter, "caption-images", "uploads/", zap.NewNop())
	a.now = func() time.Time { return fixedTime }

	key, err := a.Archive(context.Background(), "sess", "dog.png", "image/png", []byte("png"))
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if key != "uploads/sess/file_20240305_140709.png" {
		t.Fatalf("unexpected key: %s", key)
	}
	if *putter.input.Bucket != "caption-images" || *putter.input.ContentType != "image/png" {
		t.Fatalf("unexpected input: %+v", putter.input)
	}
	if *putter.input.ContentLength != 3 || string(putter.body) != "png" {
		t.Fatalf("unexpected body: %q", putter.body)
	}
}

func TestArchiveWrapsPutError(t *testing.T) {
	putter := &stubPutter{err: errors.New("access denied")}
	a := NewWithClient(putter, "bucket", "", zap.NewNop())

	_, err := a.Archive(context.Background(), "sess", "dog.png", "image/png", []byte("png"))
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "archive.put_object" {
		t.Fatalf("expected archive.put_object OperationError, got %v", err)
	}
}
