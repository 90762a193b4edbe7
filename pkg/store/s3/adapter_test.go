package s3

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	awss3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/shelfwise/shelfwise/pkg/observability/logger"
)

type mockLogger struct{}

func (m *mockLogger) Debug(string, ...any)                      {}
func (m *mockLogger) Info(string, ...any)                       {}
func (m *mockLogger) Warn(string, ...any)                       {}
func (m *mockLogger) Error(string, ...any)                      {}
func (m *mockLogger) With(...any) logger.Logger                 { return m }
func (m *mockLogger) WithContext(context.Context) logger.Logger { return m }

type mockS3Client struct {
	headBucketFn    func(context.Context, *awss3.HeadBucketInput, ...func(*awss3.Options)) (*awss3.HeadBucketOutput, error)
	putObjectFn     func(context.Context, *awss3.PutObjectInput, ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
	getObjectFn     func(context.Context, *awss3.GetObjectInput, ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
	deleteObjectFn  func(context.Context, *awss3.DeleteObjectInput, ...func(*awss3.Options)) (*awss3.DeleteObjectOutput, error)
	listObjectsV2Fn func(context.Context, *awss3.ListObjectsV2Input, ...func(*awss3.Options)) (*awss3.ListObjectsV2Output, error)
	createMPUFn     func(context.Context, *awss3.CreateMultipartUploadInput, ...func(*awss3.Options)) (*awss3.CreateMultipartUploadOutput, error)
	uploadPartFn    func(context.Context, *awss3.UploadPartInput, ...func(*awss3.Options)) (*awss3.UploadPartOutput, error)
	completeMPUFn   func(context.Context, *awss3.CompleteMultipartUploadInput, ...func(*awss3.Options)) (*awss3.CompleteMultipartUploadOutput, error)
	abortMPUFn      func(context.Context, *awss3.AbortMultipartUploadInput, ...func(*awss3.Options)) (*awss3.AbortMultipartUploadOutput, error)
}

func (m *mockS3Client) HeadBucket(ctx context.Context, in *awss3.HeadBucketInput, optFns ...func(*awss3.Options)) (*awss3.HeadBucketOutput, error) {
	if m.headBucketFn != nil {
		return m.headBucketFn(ctx, in, optFns...)
	}
	return &awss3.HeadBucketOutput{}, nil
}

func (m *mockS3Client) PutObject(ctx context.Context, in *awss3.PutObjectInput, optFns ...func(*awss3.Options)) (*awss3.PutObjectOutput, error) {
	if m.putObjectFn != nil {
		return m.putObjectFn(ctx, in, optFns...)
	}
	return &awss3.PutObjectOutput{}, nil
}

func (m *mockS3Client) GetObject(ctx context.Context, in *awss3.GetObjectInput, optFns ...func(*awss3.Options)) (*awss3.GetObjectOutput, error) {
	if m.getObjectFn != nil {
		return m.getObjectFn(ctx, in, optFns...)
	}
	return nil, errors.New("unexpected get object")
}

func (m *mockS3Client) DeleteObject(ctx context.Context, in *awss3.DeleteObjectInput, optFns ...func(*awss3.Options)) (*awss3.DeleteObjectOutput, error) {
	if m.deleteObjectFn != nil {
		return m.deleteObjectFn(ctx, in, optFns...)
	}
	return &awss3.DeleteObjectOutput{}, nil
}

func (m *mockS3Client) ListObjectsV2(ctx context.Context, in *awss3.ListObjectsV2Input, optFns ...func(*awss3.Options)) (*awss3.ListObjectsV2Output, error) {
	if m.listObjectsV2Fn != nil {
		return m.listObjectsV2Fn(ctx, in, optFns...)
	}
	return &awss3.ListObjectsV2Output{}, nil
}

func (m *mockS3Client) CreateMultipartUpload(ctx context.Context, in *awss3.CreateMultipartUploadInput, optFns ...func(*awss3.Options)) (*awss3.CreateMultipartUploadOutput, error) {
	if m.createMPUFn != nil {
		return m.createMPUFn(ctx, in, optFns...)
	}
	return nil, errors.New("unexpected create multipart upload")
}

func (m *mockS3Client) UploadPart(ctx context.Context, in *awss3.UploadPartInput, optFns ...func(*awss3.Options)) (*awss3.UploadPartOutput, error) {
	if m.uploadPartFn != nil {
		return m.uploadPartFn(ctx, in, optFns...)
	}
	return nil, errors.New("unexpected upload part")
}

func (m *mockS3Client) CompleteMultipartUpload(ctx context.Context, in *awss3.CompleteMultipartUploadInput, optFns ...func(*awss3.Options)) (*awss3.CompleteMultipartUploadOutput, error) {
	if m.completeMPUFn != nil {
		return m.completeMPUFn(ctx, in, optFns...)
	}
	return nil, errors.New("unexpected complete multipart upload")
}

func (m *mockS3Client) AbortMultipartUpload(ctx context.Context, in *awss3.AbortMultipartUploadInput, optFns ...func(*awss3.Options)) (*awss3.AbortMultipartUploadOutput, error) {
	if m.abortMPUFn != nil {
		return m.abortMPUFn(ctx, in, optFns...)
	}
	return &awss3.AbortMultipartUploadOutput{}, nil
}

type mockPresign struct {
	presignGetObjectFn func(context.Context, *awss3.GetObjectInput, ...func(*awss3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

func (m *mockPresign) PresignGetObject(ctx context.Context, in *awss3.GetObjectInput, optFns ...func(*awss3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	if m.presignGetObjectFn != nil {
		return m.presignGetObjectFn(ctx, in, optFns...)
	}
	return nil, errors.New("unexpected presign")
}

func newTestAdapter(client s3API) *Adapter {
	return &Adapter{
		client: client,
		logger: &mockLogger{},
		config: Config{Bucket: "exports", OperationTimeout: time.Second},
	}
}

func TestNewAdapter_Validation(t *testing.T) {
	if _, err := NewAdapter(Config{}, &mockLogger{}); err == nil {
		t.Fatal("expected validation error for empty bucket/region")
	}
	if _, err := NewAdapter(Config{Bucket: "exports"}, &mockLogger{}); err == nil {
		t.Fatal("expected validation error for empty region")
	}
}

func TestStore_Success(t *testing.T) {
	var gotBucket, gotKey, gotContentType string

	a := newTestAdapter(&mockS3Client{
		putObjectFn: func(_ context.Context, in *awss3.PutObjectInput, _ ...func(*awss3.Options)) (*awss3.PutObjectOutput, error) {
			gotBucket = aws.ToString(in.Bucket)
			gotKey = aws.ToString(in.Key)
			gotContentType = aws.ToString(in.ContentType)
			return &awss3.PutObjectOutput{ETag: aws.String(`"etag-1"`)}, nil
		},
	})

	etag, err := a.Store(context.Background(), "marc/feed-1.mrc", []byte("records"), "application/marc")
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	if etag != "etag-1" {
		t.Fatalf("expected etag-1, got %q", etag)
	}
	if gotBucket != "exports" || gotKey != "marc/feed-1.mrc" || gotContentType != "application/marc" {
		t.Fatalf("unexpected put input: bucket=%q key=%q contentType=%q", gotBucket, gotKey, gotContentType)
	}
}

func TestMultipartCreate_Success(t *testing.T) {
	a := newTestAdapter(&mockS3Client{
		createMPUFn: func(_ context.Context, in *awss3.CreateMultipartUploadInput, _ ...func(*awss3.Options)) (*awss3.CreateMultipartUploadOutput, error) {
			if aws.ToString(in.Key) != "marc/feed-1.mrc" {
				return nil, errors.New("wrong key")
			}
			return &awss3.CreateMultipartUploadOutput{UploadId: aws.String("upload-1")}, nil
		},
	})

	uploadID, err := a.MultipartCreate(context.Background(), "marc/feed-1.mrc", "application/marc")
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if uploadID != "upload-1" {
		t.Fatalf("expected upload-1, got %q", uploadID)
	}
}

func TestMultipartUploadPart_Success(t *testing.T) {
	var gotPartNumber int32
	var gotUploadID string

	a := newTestAdapter(&mockS3Client{
		uploadPartFn: func(_ context.Context, in *awss3.UploadPartInput, _ ...func(*awss3.Options)) (*awss3.UploadPartOutput, error) {
			gotPartNumber = aws.ToInt32(in.PartNumber)
			gotUploadID = aws.ToString(in.UploadId)
			return &awss3.UploadPartOutput{ETag: aws.String(`"part-etag"`)}, nil
		},
	})

	part, err := a.MultipartUploadPart(context.Background(), "marc/feed-1.mrc", "upload-1", 2, []byte("chunk"))
	if err != nil {
		t.Fatalf("unexpected upload part error: %v", err)
	}
	if part.PartNumber != 2 || part.ETag != "part-etag" {
		t.Fatalf("unexpected part: %+v", part)
	}
	if gotPartNumber != 2 || gotUploadID != "upload-1" {
		t.Fatalf("unexpected input: partNumber=%d uploadID=%q", gotPartNumber, gotUploadID)
	}
}

func TestMultipartUploadPart_RejectsInvalidPartNumber(t *testing.T) {
	a := newTestAdapter(&mockS3Client{})
	if _, err := a.MultipartUploadPart(context.Background(), "k", "u", 0, nil); err == nil {
		t.Fatal("expected error for part number 0")
	}
}

func TestMultipartComplete_PassesPartsInOrder(t *testing.T) {
	var gotParts []awss3types.CompletedPart

	a := newTestAdapter(&mockS3Client{
		completeMPUFn: func(_ context.Context, in *awss3.CompleteMultipartUploadInput, _ ...func(*awss3.Options)) (*awss3.CompleteMultipartUploadOutput, error) {
			gotParts = in.MultipartUpload.Parts
			return &awss3.CompleteMultipartUploadOutput{}, nil
		},
	})

	parts := []Part{{PartNumber: 1, ETag: "a"}, {PartNumber: 2, ETag: "b"}, {PartNumber: 3, ETag: "c"}}
	if err := a.MultipartComplete(context.Background(), "k", "u", parts); err != nil {
		t.Fatalf("unexpected complete error: %v", err)
	}
	if len(gotParts) != 3 {
		t.Fatalf("expected 3 parts, got %d", len(gotParts))
	}
	for i, part := range parts {
		if aws.ToInt32(gotParts[i].PartNumber) != part.PartNumber || aws.ToString(gotParts[i].ETag) != part.ETag {
			t.Fatalf("part %d mismatch: got %+v", i, gotParts[i])
		}
	}
}

func TestMultipartComplete_RequiresParts(t *testing.T) {
	a := newTestAdapter(&mockS3Client{})
	if err := a.MultipartComplete(context.Background(), "k", "u", nil); err == nil {
		t.Fatal("expected error for empty part list")
	}
}

func TestMultipartAbort_Success(t *testing.T) {
	var aborted bool
	a := newTestAdapter(&mockS3Client{
		abortMPUFn: func(_ context.Context, in *awss3.AbortMultipartUploadInput, _ ...func(*awss3.Options)) (*awss3.AbortMultipartUploadOutput, error) {
			aborted = true
			return &awss3.AbortMultipartUploadOutput{}, nil
		},
	})
	if err := a.MultipartAbort(context.Background(), "k", "u"); err != nil {
		t.Fatalf("unexpected abort error: %v", err)
	}
	if !aborted {
		t.Fatal("abort was not invoked")
	}
}

func TestDownload_Success(t *testing.T) {
	a := newTestAdapter(&mockS3Client{
		getObjectFn: func(_ context.Context, _ *awss3.GetObjectInput, _ ...func(*awss3.Options)) (*awss3.GetObjectOutput, error) {
			return &awss3.GetObjectOutput{
				Body:        io.NopCloser(strings.NewReader("payload")),
				ContentType: aws.String("application/marc"),
			}, nil
		},
	})

	payload, contentType, err := a.Download(context.Background(), "marc/feed-1.mrc")
	if err != nil {
		t.Fatalf("unexpected download error: %v", err)
	}
	if string(payload) != "payload" || contentType != "application/marc" {
		t.Fatalf("unexpected download result: %q %q", payload, contentType)
	}
}

func TestPresignGetURL_Success(t *testing.T) {
	a := newTestAdapter(&mockS3Client{})
	a.presign = &mockPresign{
		presignGetObjectFn: func(_ context.Context, _ *awss3.GetObjectInput, _ ...func(*awss3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
			return &v4.PresignedHTTPRequest{URL: "https://example.com/signed"}, nil
		},
	}

	url, err := a.PresignGetURL(context.Background(), "marc/feed-1.mrc", time.Minute)
	if err != nil {
		t.Fatalf("unexpected presign error: %v", err)
	}
	if url != "https://example.com/signed" {
		t.Fatalf("unexpected url %q", url)
	}
}

func TestClosedAdapterRejectsOperations(t *testing.T) {
	a := newTestAdapter(&mockS3Client{})
	if err := a.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	if _, err := a.Store(context.Background(), "k", nil, ""); err == nil {
		t.Fatal("expected error after close")
	}
	if err := a.MultipartAbort(context.Background(), "k", "u"); err == nil {
		t.Fatal("expected error after close")
	}
}
