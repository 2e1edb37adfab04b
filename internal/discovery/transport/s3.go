package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/errs"
)

// S3API — используемое подмножество клиента S3.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3 хранит документы объектами бакета; ключ — путь без ведущего "/".
type S3 struct {
	client S3API
	bucket string
}

// NewS3 создаёт транспорт поверх готового клиента.
func NewS3(client S3API, bucket string) *S3 {
	return &S3{client: client, bucket: bucket}
}

// NewS3FromConfig создаёт клиент S3 из стандартной цепочки учётных данных AWS.
// Непустой endpoint включает path-style адресацию (MinIO и совместимые).
func NewS3FromConfig(ctx context.Context, bucket, region, endpoint string) (*S3, error) {
	const op = "transport.NewS3FromConfig"

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3(client, bucket), nil
}

func objectKey(p string) string {
	return strings.TrimPrefix(p, "/")
}

// Put записывает документ.
func (s *S3) Put(ctx context.Context, p string, data []byte) error {
	const op = "transport.S3.Put"
	if err := checkPath(p); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey(p)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Get читает документ.
func (s *S3) Get(ctx context.Context, p string) ([]byte, error) {
	const op = "transport.S3.Get"
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(p)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("%s: %w", op, errs.NotFound("discovery document", p))
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return data, nil
}

// List возвращает пути документов непосредственно в каталоге prefix.
func (s *S3) List(ctx context.Context, prefix string) ([]string, error) {
	const op = "transport.S3.List"
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	var paths []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(objectKey(prefix)),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		for _, obj := range page.Contents {
			paths = append(paths, "/"+aws.ToString(obj.Key))
		}
	}
	return paths, nil
}

// Delete удаляет документ.
func (s *S3) Delete(ctx context.Context, p string) error {
	const op = "transport.S3.Delete"
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(p)),
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
