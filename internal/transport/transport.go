// Package transport fetches version files, manifests and patch payloads from
// the patch server. The server may be a plain HTTP(S) origin or an object
// store bucket (s3://, gs://, azblob://, b2://); the updater sees the same
// Downloader either way.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/lanternops/gamepatch/internal/logging"
)

var log = logging.L("transport")

// maxTextSize bounds version and manifest bodies.
const maxTextSize = 4 << 20

// ProgressFunc receives download progress as a whole percentage 0-100.
type ProgressFunc func(percent int)

// CompletionFunc is called exactly once when an asynchronous download ends.
type CompletionFunc func(err error)

// Downloader is the contract the updater depends on: a synchronous text
// fetch and an asynchronous file fetch.
type Downloader interface {
	FetchText(ctx context.Context, rawURL string) (string, error)
	FetchFile(ctx context.Context, rawURL, dest string, onProgress ProgressFunc, onComplete CompletionFunc)
}

// Source opens one object for reading. size is -1 when unknown.
type Source interface {
	Open(ctx context.Context, rawURL string) (body io.ReadCloser, size int64, err error)
}

// fileSource is implemented by sources that can fill a file faster than a
// single stream, e.g. with parallel ranged requests.
type fileSource interface {
	DownloadFile(ctx context.Context, rawURL string, f *os.File, progress func(done, total int64)) error
}

// Options configures New.
type Options struct {
	ServerURL         string
	Timeout           time.Duration
	Retries           int
	MaxBytesPerSecond int64

	S3Region          string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string
	GCSAnonymous      bool
	AzureSASToken     string
	B2AccountID       string
	B2ApplicationKey  string
}

// Client implements Downloader on top of a Source.
type Client struct {
	src     Source
	limiter *rate.Limiter
}

var _ Downloader = (*Client)(nil)

// New picks the Source matching the scheme of opts.ServerURL.
func New(ctx context.Context, opts Options) (*Client, error) {
	u, err := url.Parse(opts.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}

	var src Source
	switch u.Scheme {
	case "http", "https":
		src = NewHTTPSource(opts.Timeout, opts.Retries)
	case "s3":
		src, err = NewS3Source(ctx, opts.S3Region, opts.S3Endpoint, opts.S3AccessKeyID, opts.S3SecretAccessKey)
	case "gs":
		src, err = NewGCSSource(ctx, opts.GCSAnonymous)
	case "azblob":
		src, err = NewAzureSource(opts.AzureSASToken)
	case "b2":
		src, err = NewB2Source(ctx, u.Host, opts.B2AccountID, opts.B2ApplicationKey)
	default:
		return nil, fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s transport: %w", u.Scheme, err)
	}

	log.Debug("transport ready", "scheme", u.Scheme, "rateLimit", opts.MaxBytesPerSecond)
	return NewClient(src, opts.MaxBytesPerSecond), nil
}

// NewClient wraps src. A positive maxBytesPerSecond caps payload downloads.
func NewClient(src Source, maxBytesPerSecond int64) *Client {
	c := &Client{src: src}
	if maxBytesPerSecond > 0 {
		burst := int(maxBytesPerSecond)
		if burst > 256<<10 {
			burst = 256 << 10
		}
		c.limiter = rate.NewLimiter(rate.Limit(maxBytesPerSecond), burst)
	}
	return c
}

// FetchText downloads a small text resource.
func (c *Client) FetchText(ctx context.Context, rawURL string) (string, error) {
	body, _, err := c.src.Open(ctx, rawURL)
	if err != nil {
		return "", err
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, maxTextSize+1))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", rawURL, err)
	}
	if len(data) > maxTextSize {
		return "", fmt.Errorf("%s exceeds %d bytes", rawURL, maxTextSize)
	}
	return string(data), nil
}

// FetchFile starts downloading rawURL to dest and returns immediately.
// The payload is written to dest+".part" and renamed into place only when
// complete. onComplete is called once from the download goroutine.
func (c *Client) FetchFile(ctx context.Context, rawURL, dest string, onProgress ProgressFunc, onComplete CompletionFunc) {
	go func() {
		err := c.download(ctx, rawURL, dest, onProgress)
		if onComplete != nil {
			onComplete(err)
		}
	}()
}

func (c *Client) download(ctx context.Context, rawURL, dest string, onProgress ProgressFunc) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create download directory: %w", err)
	}

	part := dest + ".part"
	f, err := os.Create(part)
	if err != nil {
		return fmt.Errorf("create %s: %w", part, err)
	}

	pt := &percentTracker{fn: onProgress, last: -1}
	if fs, ok := c.src.(fileSource); ok && c.limiter == nil {
		err = fs.DownloadFile(ctx, rawURL, f, pt.update)
	} else {
		err = c.stream(ctx, rawURL, f, pt)
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(part)
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			return fmt.Errorf("download %s: %w (%v)", rawURL, ctxErr, err)
		}
		return fmt.Errorf("download %s: %w", rawURL, err)
	}

	if err := os.Rename(part, dest); err != nil {
		os.Remove(part)
		return fmt.Errorf("finalize %s: %w", dest, err)
	}
	pt.finish()
	return nil
}

func (c *Client) stream(ctx context.Context, rawURL string, w io.Writer, pt *percentTracker) error {
	body, size, err := c.src.Open(ctx, rawURL)
	if err != nil {
		return err
	}
	defer body.Close()

	var r io.Reader = body
	if c.limiter != nil {
		r = &limitedReader{ctx: ctx, r: r, lim: c.limiter}
	}

	buf := make([]byte, 32<<10)
	var done int64
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			done += int64(n)
			pt.update(done, size)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	if size >= 0 && done != size {
		return fmt.Errorf("short body: got %d of %d bytes", done, size)
	}
	return nil
}

// percentTracker converts byte counts into de-duplicated whole percentages.
type percentTracker struct {
	fn   ProgressFunc
	last int
}

func (p *percentTracker) update(done, total int64) {
	if p.fn == nil || total <= 0 {
		return
	}
	pct := int(done * 100 / total)
	if pct > 99 {
		pct = 99
	}
	if pct <= p.last {
		return
	}
	p.last = pct
	p.fn(pct)
}

func (p *percentTracker) finish() {
	if p.fn != nil && p.last < 100 {
		p.last = 100
		p.fn(100)
	}
}

// limitedReader throttles reads to the limiter's rate. Reads are clipped to
// the burst size so WaitN never asks for more tokens than the bucket holds.
type limitedReader struct {
	ctx context.Context
	r   io.Reader
	lim *rate.Limiter
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if b := l.lim.Burst(); len(p) > b {
		p = p[:b]
	}
	n, err := l.r.Read(p)
	if n > 0 {
		if werr := l.lim.WaitN(l.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
