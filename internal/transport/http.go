package transport

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/lanternops/gamepatch/internal/httputil"
)

// HTTPSource reads objects from an HTTP(S) origin.
type HTTPSource struct {
	client *http.Client
	retry  httputil.Backoff
}

// NewHTTPSource builds a source whose timeout bounds connection setup and
// response headers. The body itself may take as long as it needs.
func NewHTTPSource(timeout time.Duration, retries int) *HTTPSource {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if timeout > 0 {
		tr.ResponseHeaderTimeout = timeout
		tr.TLSHandshakeTimeout = timeout
	}
	return &HTTPSource{client: &http.Client{Transport: tr}, retry: httputil.NewBackoff(retries)}
}

// NewHTTPSourceWithClient is used by tests to talk to an httptest server.
func NewHTTPSourceWithClient(client *http.Client, retries int) *HTTPSource {
	return &HTTPSource{client: client, retry: httputil.NewBackoff(retries)}
}

func (s *HTTPSource) Open(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	resp, err := httputil.Get(ctx, s.client, rawURL, s.retry)
	if err != nil {
		return nil, 0, err
	}
	return resp.Body, resp.ContentLength, nil
}
