package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/ruteri/coaching-backup/interfaces"
)

// s3FolderMarker is the object whose presence defines a folder.
const s3FolderMarker = ".folder"

// S3Driver stores blobs in Amazon S3 or a compatible service. A folder is a key prefix
// marked by a .folder object; the folder id is that prefix.
type S3Driver struct {
	bucketName  string
	prefix      string
	region      string
	endpoint    string
	quota       int64
	log         *slog.Logger
	locationURI string

	mu     sync.RWMutex
	client *s3.S3
}

// NewS3Driver creates an unauthenticated S3 driver. A zero quota means none is enforced.
func NewS3Driver(bucketName, prefix, region, endpoint string, quota int64, log *slog.Logger) *S3Driver {
	uri := fmt.Sprintf("s3://%s/%s?region=%s", bucketName, prefix, region)
	if endpoint != "" {
		uri += fmt.Sprintf("&endpoint=%s", endpoint)
	}

	return &S3Driver{
		bucketName:  bucketName,
		prefix:      strings.Trim(prefix, "/"),
		region:      region,
		endpoint:    endpoint,
		quota:       quota,
		log:         log,
		locationURI: uri,
	}
}

func (b *S3Driver) Name() string {
	return fmt.Sprintf("s3-%s", b.bucketName)
}

func (b *S3Driver) LocationURI() string {
	return b.locationURI
}

// ValidateCredentials expects the access key id in ClientEmail and the secret in PrivateKey.
func (b *S3Driver) ValidateCredentials(creds interfaces.Credentials) error {
	if creds.ClientEmail == "" || creds.PrivateKey == "" {
		return fmt.Errorf("%w: s3 requires an access key id and secret key", interfaces.ErrAuth)
	}
	return nil
}

func (b *S3Driver) Authenticate(ctx context.Context, creds interfaces.Credentials) error {
	cfg := aws.Config{
		Region:           aws.String(b.region),
		Credentials:      credentials.NewStaticCredentials(creds.ClientEmail, creds.PrivateKey, ""),
		S3ForcePathStyle: aws.Bool(b.endpoint != ""),
	}
	if b.endpoint != "" {
		cfg.Endpoint = aws.String(b.endpoint)
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return fmt.Errorf("%w: failed to create AWS session: %v", interfaces.ErrAuth, err)
	}
	client := s3.New(sess)

	if _, err := client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucketName)}); err != nil {
		return classifyS3Error("head bucket", err)
	}

	b.mu.Lock()
	b.client = client
	b.mu.Unlock()
	return nil
}

func (b *S3Driver) s3Client() (*s3.S3, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.client == nil {
		return nil, fmt.Errorf("%w: s3 client not authenticated", interfaces.ErrAuth)
	}
	return b.client, nil
}

func (b *S3Driver) Probe(ctx context.Context) error {
	client, err := b.s3Client()
	if err != nil {
		return err
	}
	_, err = client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucketName)})
	return classifyS3Error("probe", err)
}

func (b *S3Driver) folderKey(name string) string {
	return path.Join(b.prefix, name) + "/"
}

func (b *S3Driver) FindFolders(ctx context.Context, name string) ([]interfaces.FolderHandle, error) {
	client, err := b.s3Client()
	if err != nil {
		return nil, err
	}

	id := b.folderKey(name)
	out, err := client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(id + s3FolderMarker),
	})
	if err != nil {
		err = classifyS3Error("find folders", err)
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return []interfaces.FolderHandle{{ID: id, Name: name, CreatedAt: aws.TimeValue(out.LastModified).UTC()}}, nil
}

func (b *S3Driver) CreateFolder(ctx context.Context, name string) (interfaces.FolderHandle, error) {
	client, err := b.s3Client()
	if err != nil {
		return interfaces.FolderHandle{}, err
	}

	id := b.folderKey(name)
	now := time.Now().UTC()
	_, err = client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucketName),
		Key:         aws.String(id + s3FolderMarker),
		Body:        bytes.NewReader([]byte(now.Format(time.RFC3339Nano))),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return interfaces.FolderHandle{}, classifyS3Error("create folder", err)
	}

	b.log.Debug("Created S3 folder marker", slog.String("bucket", b.bucketName), slog.String("key", id))
	return interfaces.FolderHandle{ID: id, Name: name, CreatedAt: now}, nil
}

func (b *S3Driver) List(ctx context.Context, folderID string) ([]interfaces.FileInfo, error) {
	client, err := b.s3Client()
	if err != nil {
		return nil, err
	}

	var files []interfaces.FileInfo
	err = client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucketName),
		Prefix: aws.String(folderID),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			key := aws.StringValue(obj.Key)
			name := strings.TrimPrefix(key, folderID)
			if name == s3FolderMarker || strings.Contains(name, "/") {
				continue
			}
			files = append(files, interfaces.FileInfo{
				ID:          key,
				Name:        name,
				Size:        aws.Int64Value(obj.Size),
				CreatedTime: aws.TimeValue(obj.LastModified).UTC(),
				Checksum:    strings.Trim(aws.StringValue(obj.ETag), `"`),
			})
		}
		return true
	})
	if err != nil {
		return nil, classifyS3Error("list", err)
	}
	return files, nil
}

// Put uploads a blob after checking the key is free. Quota, if configured, is
// enforced against the summed size of the folder.
func (b *S3Driver) Put(ctx context.Context, folderID, name string, payload []byte) (interfaces.FileInfo, error) {
	client, err := b.s3Client()
	if err != nil {
		return interfaces.FileInfo{}, err
	}
	key := folderID + name

	_, err = client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
	})
	if err == nil {
		return interfaces.FileInfo{}, fmt.Errorf("%w: %s", interfaces.ErrAlreadyExists, name)
	}
	if err = classifyS3Error("put", err); !errors.Is(err, interfaces.ErrNotFound) {
		return interfaces.FileInfo{}, err
	}

	if b.quota > 0 {
		usage, err := b.usage(ctx)
		if err != nil {
			return interfaces.FileInfo{}, err
		}
		if usage+int64(len(payload)) > b.quota {
			return interfaces.FileInfo{}, fmt.Errorf("%w: %d of %d bytes used", interfaces.ErrQuotaExceeded, usage, b.quota)
		}
	}

	_, err = client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucketName),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return interfaces.FileInfo{}, classifyS3Error("put", err)
	}

	b.log.Debug("Stored object in S3",
		slog.String("bucket", b.bucketName),
		slog.String("key", key),
		slog.Int("size", len(payload)))

	return interfaces.FileInfo{
		ID:          key,
		Name:        name,
		Size:        int64(len(payload)),
		CreatedTime: time.Now().UTC(),
		Checksum:    fmt.Sprintf("%x", sha256.Sum256(payload)),
	}, nil
}

// Delete removes a blob. S3 deletes are silent for missing keys, so existence is checked first.
func (b *S3Driver) Delete(ctx context.Context, fileID string) error {
	client, err := b.s3Client()
	if err != nil {
		return err
	}
	if _, err := client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(fileID),
	}); err != nil {
		return classifyS3Error("delete", err)
	}
	_, err = client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(fileID),
	})
	return classifyS3Error("delete", err)
}

func (b *S3Driver) Quota(ctx context.Context) (*interfaces.Quota, error) {
	if b.quota == 0 {
		return nil, nil
	}
	usage, err := b.usage(ctx)
	if err != nil {
		return nil, err
	}
	return &interfaces.Quota{Limit: b.quota, Usage: usage}, nil
}

func (b *S3Driver) usage(ctx context.Context) (int64, error) {
	client, err := b.s3Client()
	if err != nil {
		return 0, err
	}
	prefix := ""
	if b.prefix != "" {
		prefix = b.prefix + "/"
	}
	var total int64
	err = client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucketName),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			total += aws.Int64Value(obj.Size)
		}
		return true
	})
	if err != nil {
		return 0, classifyS3Error("usage", err)
	}
	return total, nil
}

// classifyS3Error maps AWS SDK failures onto the interfaces error taxonomy.
func classifyS3Error(op string, err error) error {
	if err == nil {
		return nil
	}

	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) {
		switch code := reqErr.StatusCode(); {
		case code == http.StatusNotFound:
			return fmt.Errorf("%w: %s: %w", interfaces.ErrNotFound, op, err)
		case code == http.StatusUnauthorized || code == http.StatusForbidden:
			return fmt.Errorf("%w: %s: %w", interfaces.ErrAuth, op, err)
		case code == http.StatusTooManyRequests || code >= 500:
			return fmt.Errorf("%w: %s: %w", interfaces.ErrTransientNetwork, op, err)
		}
	}

	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return fmt.Errorf("%w: %s: %w", interfaces.ErrNotFound, op, err)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
			return fmt.Errorf("%w: %s: %w", interfaces.ErrAuth, op, err)
		case s3.ErrCodeNoSuchBucket:
			return fmt.Errorf("%s: %w", op, err)
		case "SlowDown", "Throttling", "RequestTimeout", request.ErrCodeRequestError,
			request.ErrCodeResponseTimeout, request.CanceledErrorCode:
			return fmt.Errorf("%w: %s: %w", interfaces.ErrTransientNetwork, op, err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %s: %w", interfaces.ErrTransientNetwork, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
