package s3store

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakeS3 struct {
	puts    []*s3.PutObjectInput
	bodies  [][]byte
	putErr  error
	headErr error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	body, _ := io.ReadAll(in.Body)
	f.puts = append(f.puts, in)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadBucket(_ context.Context, _ *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, f.headErr
}

func TestConfigValidate(t *testing.T) {
	if _, err := NewWithClient(Config{}, &fakeS3{}); err == nil {
		t.Error("expected error for missing bucket")
	}
}

func TestPut(t *testing.T) {
	tests := []struct {
		name    string
		prefix  string
		wantKey string
	}{
		{"no prefix", "", "captures/A/2025/10/04/x.jpg"},
		{"prefix", "camgate", "camgate/captures/A/2025/10/04/x.jpg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeS3{}
			s, err := NewWithClient(Config{Bucket: "images", Prefix: tt.prefix}, fake)
			if err != nil {
				t.Fatalf("NewWithClient: %v", err)
			}
			if err := s.Put(context.Background(), "captures/A/2025/10/04/x.jpg", []byte{0xFF, 0xD8}, "image/jpeg"); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if len(fake.puts) != 1 {
				t.Fatalf("puts = %d", len(fake.puts))
			}
			in := fake.puts[0]
			if aws.ToString(in.Bucket) != "images" || aws.ToString(in.Key) != tt.wantKey {
				t.Errorf("bucket/key = %s/%s", aws.ToString(in.Bucket), aws.ToString(in.Key))
			}
			if aws.ToString(in.ContentType) != "image/jpeg" || aws.ToInt64(in.ContentLength) != 2 {
				t.Errorf("content type/length = %s/%d", aws.ToString(in.ContentType), aws.ToInt64(in.ContentLength))
			}
			if string(fake.bodies[0]) != "\xFF\xD8" {
				t.Errorf("body = %X", fake.bodies[0])
			}
		})
	}
}

func TestPutError(t *testing.T) {
	boom := errors.New("denied")
	s, _ := NewWithClient(Config{Bucket: "images"}, &fakeS3{putErr: boom})
	if err := s.Put(context.Background(), "x", nil, "image/jpeg"); !errors.Is(err, boom) {
		t.Errorf("Put error = %v, want wrapped denial", err)
	}
}

func TestCheck(t *testing.T) {
	s, _ := NewWithClient(Config{Bucket: "images"}, &fakeS3{})
	if err := s.Check(context.Background()); err != nil {
		t.Errorf("Check: %v", err)
	}

	boom := errors.New("no such bucket")
	s, _ = NewWithClient(Config{Bucket: "images"}, &fakeS3{headErr: boom})
	if err := s.Check(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Check error = %v", err)
	}
}
