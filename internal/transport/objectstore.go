package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"cloud.google.com/go/storage"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Backblaze/blazer/b2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"google.golang.org/api/option"
)

// objectRef names one object inside a bucket-style URL such as
// s3://bucket/12/list.txt.
type objectRef struct {
	Bucket string
	Key    string
}

func parseObjectURL(rawURL, scheme string) (objectRef, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return objectRef{}, err
	}
	if u.Scheme != scheme {
		return objectRef{}, fmt.Errorf("expected %s:// url, got %q", scheme, rawURL)
	}
	ref := objectRef{Bucket: u.Host, Key: strings.TrimPrefix(u.Path, "/")}
	if ref.Bucket == "" || ref.Key == "" {
		return objectRef{}, fmt.Errorf("url %q must name a bucket and an object", rawURL)
	}
	return ref, nil
}

// S3Source reads from S3 or an S3-compatible store.
type S3Source struct {
	client *s3.Client
}

// NewS3Source loads the default AWS credential chain. Static keys take
// precedence when both are set; a custom endpoint switches to path-style
// addressing for MinIO and similar stores.
func NewS3Source(ctx context.Context, region, endpoint, accessKeyID, secretAccessKey string) (*S3Source, error) {
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if accessKeyID != "" && secretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Source{client: client}, nil
}

func (s *S3Source) Open(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	ref, err := parseObjectURL(rawURL, "s3")
	if err != nil {
		return nil, 0, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(ref.Bucket),
		Key:    aws.String(ref.Key),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("s3 get %s/%s: %w", ref.Bucket, ref.Key, err)
	}
	size := int64(-1)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return out.Body, size, nil
}

// DownloadFile fills f with concurrent ranged GETs.
func (s *S3Source) DownloadFile(ctx context.Context, rawURL string, f *os.File, progress func(done, total int64)) error {
	ref, err := parseObjectURL(rawURL, "s3")
	if err != nil {
		return err
	}
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(ref.Bucket),
		Key:    aws.String(ref.Key),
	})
	if err != nil {
		return fmt.Errorf("s3 head %s/%s: %w", ref.Bucket, ref.Key, err)
	}
	total := aws.ToInt64(head.ContentLength)

	w := &countingWriterAt{w: f, total: total, fn: progress}
	dl := manager.NewDownloader(s.client)
	n, err := dl.Download(ctx, w, &s3.GetObjectInput{
		Bucket: aws.String(ref.Bucket),
		Key:    aws.String(ref.Key),
	})
	if err != nil {
		return fmt.Errorf("s3 download %s/%s: %w", ref.Bucket, ref.Key, err)
	}
	if total > 0 && n != total {
		return fmt.Errorf("short body: got %d of %d bytes", n, total)
	}
	return nil
}

// countingWriterAt reports bytes written by concurrent range workers.
type countingWriterAt struct {
	w     io.WriterAt
	total int64
	done  atomic.Int64
	mu    sync.Mutex
	fn    func(done, total int64)
}

func (c *countingWriterAt) WriteAt(p []byte, off int64) (int, error) {
	n, err := c.w.WriteAt(p, off)
	done := c.done.Add(int64(n))
	if c.fn != nil {
		c.mu.Lock()
		c.fn(done, c.total)
		c.mu.Unlock()
	}
	return n, err
}

// GCSSource reads from Google Cloud Storage.
type GCSSource struct {
	client *storage.Client
}

// NewGCSSource uses Application Default Credentials unless anonymous is set,
// in which case only public buckets are readable.
func NewGCSSource(ctx context.Context, anonymous bool) (*GCSSource, error) {
	var opts []option.ClientOption
	if anonymous {
		opts = append(opts, option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	return &GCSSource{client: client}, nil
}

func (s *GCSSource) Open(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	ref, err := parseObjectURL(rawURL, "gs")
	if err != nil {
		return nil, 0, err
	}
	r, err := s.client.Bucket(ref.Bucket).Object(ref.Key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, 0, fmt.Errorf("gcs object %s/%s not found: %w", ref.Bucket, ref.Key, err)
		}
		return nil, 0, fmt.Errorf("gcs read %s/%s: %w", ref.Bucket, ref.Key, err)
	}
	return r, r.Attrs.Size, nil
}

// AzureSource reads from Azure Blob Storage. URLs take the form
// azblob://account/container/blob.
type AzureSource struct {
	sasToken string

	mu      sync.Mutex
	clients map[string]*azblob.Client
}

func NewAzureSource(sasToken string) (*AzureSource, error) {
	return &AzureSource{
		sasToken: strings.TrimPrefix(sasToken, "?"),
		clients:  make(map[string]*azblob.Client),
	}, nil
}

func (s *AzureSource) client(account string) (*azblob.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[account]; ok {
		return c, nil
	}
	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", account)
	if s.sasToken != "" {
		serviceURL += "?" + s.sasToken
	}
	c, err := azblob.NewClientWithNoCredential(serviceURL, nil)
	if err != nil {
		return nil, err
	}
	s.clients[account] = c
	return c, nil
}

func (s *AzureSource) Open(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	ref, err := parseObjectURL(rawURL, "azblob")
	if err != nil {
		return nil, 0, err
	}
	container, blob, ok := strings.Cut(ref.Key, "/")
	if !ok || container == "" || blob == "" {
		return nil, 0, fmt.Errorf("url %q must name a container and a blob", rawURL)
	}
	c, err := s.client(ref.Bucket)
	if err != nil {
		return nil, 0, fmt.Errorf("create azure client: %w", err)
	}
	resp, err := c.DownloadStream(ctx, container, blob, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("azure download %s/%s: %w", container, blob, err)
	}
	size := int64(-1)
	if resp.ContentLength != nil {
		size = *resp.ContentLength
	}
	return resp.Body, size, nil
}

// B2Source reads from one Backblaze B2 bucket.
type B2Source struct {
	bucket *b2.Bucket
	name   string
}

func NewB2Source(ctx context.Context, bucket, accountID, applicationKey string) (*B2Source, error) {
	client, err := b2.NewClient(ctx, accountID, applicationKey)
	if err != nil {
		return nil, fmt.Errorf("authorize B2 account: %w", err)
	}
	bkt, err := client.Bucket(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("open B2 bucket %s: %w", bucket, err)
	}
	return &B2Source{bucket: bkt, name: bucket}, nil
}

func (s *B2Source) Open(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	ref, err := parseObjectURL(rawURL, "b2")
	if err != nil {
		return nil, 0, err
	}
	if ref.Bucket != s.name {
		return nil, 0, fmt.Errorf("b2 source is bound to bucket %s, not %s", s.name, ref.Bucket)
	}
	obj := s.bucket.Object(ref.Key)
	attrs, err := obj.Attrs(ctx)
	if err != nil {
		if b2.IsNotExist(err) {
			return nil, 0, fmt.Errorf("b2 object %s/%s not found: %w", ref.Bucket, ref.Key, err)
		}
		return nil, 0, fmt.Errorf("b2 stat %s/%s: %w", ref.Bucket, ref.Key, err)
	}
	return obj.NewReader(ctx), attrs.Size, nil
}
