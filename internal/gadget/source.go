package gadget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ulikunitz/xz"
)

const (
	DefaultReleaseBase = "https://github.com/frida/frida/releases/download"
	DefaultReleasesAPI = "https://api.github.com/repos/frida/frida/releases?per_page=1000"
	DefaultVersion     = "17.7.3"
	// DefaultBundledAsset is the 32-bit ARM gadget shipped with the tool.
	DefaultBundledAsset = "frida-gadget-17.7.3-android-arm.so"
)

var ErrFetch = errors.New("gadget: fetch failed")

// SourceKind selects where library bytes come from.
type SourceKind int

const (
	SourceRemote SourceKind = iota
	SourceLocal
	SourceBundled
)

func (k SourceKind) String() string {
	switch k {
	case SourceRemote:
		return "remote"
	case SourceLocal:
		return "local"
	case SourceBundled:
		return "bundled"
	}
	return fmt.Sprintf("source(%d)", int(k))
}

// ParseSource accepts "remote", "local" or "bundled".
func ParseSource(s string) (SourceKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "remote":
		return SourceRemote, nil
	case "local":
		return SourceLocal, nil
	case "bundled":
		return SourceBundled, nil
	}
	return 0, fmt.Errorf("gadget: unknown source %q", s)
}

// Fetcher yields the decompressed library bytes for one ABI and version.
type Fetcher interface {
	Fetch(ctx context.Context, abi ABI, version string) (io.ReadCloser, error)
}

// HTTPFetcher downloads xz-compressed release assets.
type HTTPFetcher struct {
	Client *http.Client
	// BaseURL defaults to DefaultReleaseBase.
	BaseURL string
}

// URL returns the asset location for abi and version.
func (h *HTTPFetcher) URL(abi ABI, version string) string {
	base := h.BaseURL
	if base == "" {
		base = DefaultReleaseBase
	}
	return fmt.Sprintf("%s/%s/frida-gadget-%s-android-%s.so.xz", strings.TrimRight(base, "/"), version, version, abi.FridaArch())
}

func (h *HTTPFetcher) Fetch(ctx context.Context, abi ABI, version string) (io.ReadCloser, error) {
	if !abi.Known() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownABI, abi)
	}
	url := h.URL(abi, version)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	resp, err := h.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s: %s", ErrFetch, url, resp.Status)
	}
	zr, err := xz.NewReader(resp.Body)
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrFetch, url, err)
	}
	return &xzBody{Reader: zr, body: resp.Body}, nil
}

func (h *HTTPFetcher) client() *http.Client {
	if h.Client != nil {
		return h.Client
	}
	return http.DefaultClient
}

type xzBody struct {
	*xz.Reader
	body io.Closer
}

func (b *xzBody) Close() error { return b.body.Close() }

// ListVersions returns the release tags published at apiURL, newest
// first as the API orders them.
func ListVersions(ctx context.Context, client *http.Client, apiURL string) ([]string, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if apiURL == "" {
		apiURL = DefaultReleasesAPI
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s: %s", ErrFetch, apiURL, resp.Status)
	}
	var releases []struct {
		TagName string `json:"tag_name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&releases); err != nil {
		return nil, fmt.Errorf("gadget: decode releases: %w", err)
	}
	out := make([]string, 0, len(releases))
	for _, r := range releases {
		if r.TagName != "" {
			out = append(out, r.TagName)
		}
	}
	return out, nil
}
