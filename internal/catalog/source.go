package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"slices"
	"time"

	"github.com/buckleypaul/molt/internal/mpversion"
)

// RemoteFirmware describes one artifact advertised by a firmware source.
type RemoteFirmware struct {
	BoardID  string `json:"board_id"`
	Variant  string `json:"variant"`
	Version  string `json:"version"`
	Build    int    `json:"build"`
	Preview  bool   `json:"preview"`
	Port     string `json:"port"`
	Filename string `json:"filename"`
	URL      string `json:"url"`
	Size     int64  `json:"size"`
}

// SourceQuery narrows a source listing. Empty fields match everything.
type SourceQuery struct {
	Ports  []string
	Boards []string
}

func (q SourceQuery) matches(e RemoteFirmware) bool {
	if len(q.Ports) > 0 && !slices.Contains(q.Ports, e.Port) {
		return false
	}
	if len(q.Boards) > 0 && !slices.Contains(q.Boards, e.BoardID) {
		return false
	}
	return true
}

// Source lists and fetches firmware artifacts from a remote publisher.
type Source interface {
	ListAvailable(ctx context.Context, q SourceQuery) ([]RemoteFirmware, error)
	Fetch(ctx context.Context, url string) (io.ReadCloser, int64, error)
}

// HTTPSource reads a JSON firmware index over HTTP and fetches artifact
// files from the URLs it advertises.
type HTTPSource struct {
	IndexURL string
	Client   *http.Client
}

// NewHTTPSource returns a source for the given index URL.
func NewHTTPSource(indexURL string) *HTTPSource {
	return &HTTPSource{
		IndexURL: indexURL,
		Client:   &http.Client{Timeout: 5 * time.Minute},
	}
}

// ListAvailable downloads the source's firmware index and returns the
// entries matching the query, version strings normalized.
func (s *HTTPSource) ListAvailable(ctx context.Context, q SourceQuery) ([]RemoteFirmware, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.IndexURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch firmware index: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch firmware index: %s", resp.Status)
	}

	var entries []RemoteFirmware
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode firmware index: %w", err)
	}

	var out []RemoteFirmware
	for _, e := range entries {
		if !q.matches(e) {
			continue
		}
		if e.Filename == "" {
			e.Filename = path.Base(e.URL)
		}
		e.Version = mpversion.Clean(e.Version)
		out = append(out, e)
	}
	return out, nil
}

// Fetch streams one artifact. The returned length is -1 when unknown.
func (s *HTTPSource) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("fetch %s: %s", rawURL, resp.Status)
	}
	return resp.Body, resp.ContentLength, nil
}
