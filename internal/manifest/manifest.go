// Package manifest parses the per-version patch list served as
// {server}/{version}/list.txt.
//
// Each non-blank line has the form
//
//	localFile;patchFile;isNewFile
//
// where isNewFile is "true" when patchFile is a complete replacement for
// localFile and "false" when it is a binary delta against it.
package manifest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrMalformedLine is wrapped by every LineError.
var ErrMalformedLine = errors.New("malformed manifest line")

// Patch describes one file operation of a version step.
type Patch struct {
	LocalFile string
	PatchFile string
	IsNewFile bool
}

// Kind returns "new" for full-file payloads and "delta" otherwise.
func (p Patch) Kind() string {
	if p.IsNewFile {
		return "new"
	}
	return "delta"
}

// LineError reports the 1-based line that could not be parsed.
type LineError struct {
	Line   int
	Text   string
	Reason string
}

func (e *LineError) Error() string {
	return fmt.Sprintf("manifest line %d %q: %s", e.Line, e.Text, e.Reason)
}

func (e *LineError) Unwrap() error {
	return ErrMalformedLine
}

// Parse splits a manifest body into patches, preserving order. Lines may end
// in \n, \r\n or \r; blank lines are skipped.
func Parse(body string) ([]Patch, error) {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	body = strings.ReplaceAll(body, "\r", "\n")

	var patches []Patch
	sc := bufio.NewScanner(strings.NewReader(body))
	sc.Buffer(make([]byte, 0, 4096), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		p, err := parseLine(line)
		if err != nil {
			return nil, &LineError{Line: lineNo, Text: line, Reason: err.Error()}
		}
		patches = append(patches, p)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return patches, nil
}

func parseLine(line string) (Patch, error) {
	fields := strings.Split(line, ";")
	if len(fields) != 3 {
		return Patch{}, fmt.Errorf("expected 3 fields, got %d", len(fields))
	}

	local := strings.TrimSpace(fields[0])
	patch := strings.TrimSpace(fields[1])
	flag := strings.TrimSpace(fields[2])

	if err := checkRelative(local); err != nil {
		return Patch{}, fmt.Errorf("local file: %w", err)
	}
	if err := checkRelative(patch); err != nil {
		return Patch{}, fmt.Errorf("patch file: %w", err)
	}

	var isNew bool
	switch strings.ToLower(flag) {
	case "true":
		isNew = true
	case "false":
		isNew = false
	default:
		return Patch{}, fmt.Errorf("isNewFile must be true or false, got %q", flag)
	}

	return Patch{LocalFile: local, PatchFile: patch, IsNewFile: isNew}, nil
}

// checkRelative rejects empty, absolute and parent-escaping paths so a
// manifest can only touch files below the install and staging directories.
func checkRelative(p string) error {
	if p == "" {
		return errors.New("empty path")
	}
	slashed := strings.ReplaceAll(p, `\`, "/")
	if strings.HasPrefix(slashed, "/") || (len(slashed) >= 2 && slashed[1] == ':') {
		return fmt.Errorf("absolute path %q not allowed", p)
	}
	clean := path.Clean(slashed)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("path %q escapes the base directory", p)
	}
	return nil
}

// TextFetcher is the synchronous half of the downloader.
type TextFetcher interface {
	FetchText(ctx context.Context, url string) (string, error)
}

// Fetcher downloads and parses the manifest of one version step.
type Fetcher struct {
	Server string
	Client TextFetcher
}

// NewFetcher returns a Fetcher for the patch server rooted at server.
func NewFetcher(server string, client TextFetcher) *Fetcher {
	return &Fetcher{Server: server, Client: client}
}

// URL returns the manifest location for the step that produces version.
func (f *Fetcher) URL(version int) string {
	return JoinURL(f.Server, fmt.Sprintf("%d/list.txt", version))
}

// Fetch returns the ordered patches of the step that produces version.
func (f *Fetcher) Fetch(ctx context.Context, version int) ([]Patch, error) {
	body, err := f.Client.FetchText(ctx, f.URL(version))
	if err != nil {
		return nil, fmt.Errorf("fetch manifest for version %d: %w", version, err)
	}
	patches, err := Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parse manifest for version %d: %w", version, err)
	}
	return patches, nil
}

// JoinURL appends rel to server with exactly one slash between them.
func JoinURL(server, rel string) string {
	return strings.TrimRight(server, "/") + "/" + strings.TrimLeft(rel, "/")
}
