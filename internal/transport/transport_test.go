package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lanternops/gamepatch/internal/httputil"
)

func newTestClient(t *testing.T, h http.Handler, bps int64) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(NewHTTPSourceWithClient(srv.Client(), 0), bps), srv
}

func fetchFileSync(t *testing.T, c *Client, ctx context.Context, url, dest string) ([]int, error) {
	t.Helper()
	var pcts []int
	done := make(chan error, 1)
	c.FetchFile(ctx, url, dest, func(p int) { pcts = append(pcts, p) }, func(err error) { done <- err })
	select {
	case err := <-done:
		return pcts, err
	case <-time.After(10 * time.Second):
		t.Fatal("download did not complete")
		return nil, nil
	}
}

func TestFetchText(t *testing.T) {
	c, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/version.txt" {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, "12\n")
	}), 0)

	got, err := c.FetchText(context.Background(), srv.URL+"/version.txt")
	if err != nil {
		t.Fatalf("FetchText: %v", err)
	}
	if got != "12\n" {
		t.Fatalf("got %q", got)
	}
}

func TestFetchTextNotFound(t *testing.T) {
	c, srv := newTestClient(t, http.NotFoundHandler(), 0)

	_, err := c.FetchText(context.Background(), srv.URL+"/missing")
	var se *httputil.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusNotFound {
		t.Fatalf("err = %v, want 404 StatusError", err)
	}
}

func TestFetchTextTooLarge(t *testing.T) {
	c, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte("a"), maxTextSize+10))
	}), 0)

	if _, err := c.FetchText(context.Background(), srv.URL); err == nil {
		t.Fatal("expected size error")
	}
}

func TestFetchFileWritesAtomically(t *testing.T) {
	payload := bytes.Repeat([]byte("patchdata"), 50_000)
	c, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}), 0)

	dest := filepath.Join(t.TempDir(), "staging", "game.pat")
	pcts, err := fetchFileSync(t, c, context.Background(), srv.URL+"/3/game.pat", dest)
	if err != nil {
		t.Fatalf("FetchFile: %v", err)
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("payload mismatch")
	}
	if _, err := os.Stat(dest + ".part"); !os.IsNotExist(err) {
		t.Fatal("partial file left behind")
	}
	if len(pcts) == 0 || pcts[len(pcts)-1] != 100 {
		t.Fatalf("progress = %v, want to end at 100", pcts)
	}
	for i := 1; i < len(pcts); i++ {
		if pcts[i] <= pcts[i-1] {
			t.Fatalf("progress not strictly increasing: %v", pcts)
		}
	}
}

func TestFetchFileErrorStatusLeavesNothing(t *testing.T) {
	c, srv := newTestClient(t, http.NotFoundHandler(), 0)

	dest := filepath.Join(t.TempDir(), "game.pat")
	if _, err := fetchFileSync(t, c, context.Background(), srv.URL+"/x", dest); err == nil {
		t.Fatal("expected error")
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Fatal("dest should not exist")
	}
	if _, err := os.Stat(dest + ".part"); !os.IsNotExist(err) {
		t.Fatal("partial file left behind")
	}
}

func TestFetchFileCancelled(t *testing.T) {
	started := make(chan struct{})
	c, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000000")
		w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		close(started)
		<-r.Context().Done()
	}), 0)

	ctx, cancel := context.WithCancel(context.Background())
	dest := filepath.Join(t.TempDir(), "game.pat")
	done := make(chan error, 1)
	c.FetchFile(ctx, srv.URL, dest, nil, func(err error) { done <- err })

	<-started
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("download did not stop")
	}
	if _, err := os.Stat(dest + ".part"); !os.IsNotExist(err) {
		t.Fatal("partial file left behind")
	}
}

func TestFetchFileRateLimited(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 3000)
	c, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}), 10_000)

	start := time.Now()
	dest := filepath.Join(t.TempDir(), "game.pat")
	if _, err := fetchFileSync(t, c, context.Background(), srv.URL, dest); err != nil {
		t.Fatalf("FetchFile: %v", err)
	}
	// Burst is 10000 bytes, so a 3000-byte payload is not delayed.
	if time.Since(start) > 5*time.Second {
		t.Fatal("download unexpectedly slow")
	}
	if c.limiter == nil || c.limiter.Burst() != 10_000 {
		t.Fatalf("limiter burst = %v", c.limiter)
	}
}

func TestLimitedReaderClipsToBurst(t *testing.T) {
	c := NewClient(nil, 100)
	lr := &limitedReader{ctx: context.Background(), r: strings.NewReader(strings.Repeat("a", 1000)), lim: c.limiter}
	buf := make([]byte, 512)
	n, err := lr.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != 100 {
		t.Fatalf("read %d bytes, want 100", n)
	}
}

type fakeSource struct {
	objects map[string]string
	opened  []string
}

func (f *fakeSource) Open(_ context.Context, rawURL string) (io.ReadCloser, int64, error) {
	f.opened = append(f.opened, rawURL)
	body, ok := f.objects[rawURL]
	if !ok {
		return nil, 0, errors.New("not found")
	}
	return io.NopCloser(strings.NewReader(body)), -1, nil
}

func TestClientOverCustomSource(t *testing.T) {
	src := &fakeSource{objects: map[string]string{
		"s3://bucket/version.txt": "4",
		"s3://bucket/4/a.pat":     "payload",
		"s3://bucket/4/list.txt":  "a.bin;a.pat;false",
	}}
	c := NewClient(src, 0)

	v, err := c.FetchText(context.Background(), "s3://bucket/version.txt")
	if err != nil || v != "4" {
		t.Fatalf("FetchText = %q, %v", v, err)
	}

	dest := filepath.Join(t.TempDir(), "a.pat")
	pcts, err := fetchFileSync(t, c, context.Background(), "s3://bucket/4/a.pat", dest)
	if err != nil {
		t.Fatalf("FetchFile: %v", err)
	}
	// Unknown size: only the completion report.
	if len(pcts) != 1 || pcts[0] != 100 {
		t.Fatalf("progress = %v", pcts)
	}
}

func TestParseObjectURL(t *testing.T) {
	ref, err := parseObjectURL("s3://games/releases/12/list.txt", "s3")
	if err != nil {
		t.Fatal(err)
	}
	if ref.Bucket != "games" || ref.Key != "releases/12/list.txt" {
		t.Fatalf("ref = %+v", ref)
	}

	for _, bad := range []string{"gs://games/x", "s3:///x", "s3://games/"} {
		if _, err := parseObjectURL(bad, "s3"); err == nil {
			t.Errorf("parseObjectURL(%q) should fail", bad)
		}
	}
}

func TestNewRejectsUnknownScheme(t *testing.T) {
	if _, err := New(context.Background(), Options{ServerURL: "ftp://example.com"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestPercentTracker(t *testing.T) {
	var got []int
	pt := &percentTracker{fn: func(p int) { got = append(got, p) }, last: -1}
	pt.update(0, 200)
	pt.update(1, 200)
	pt.update(2, 200)
	pt.update(200, 200)
	pt.finish()
	want := []int{0, 1, 99, 100}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}
