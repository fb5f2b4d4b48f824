package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrNotFound is returned (wrapped) when the catalog has no entry for
// the requested version or mod.
var ErrNotFound = errors.New("catalog: not found")

// Config configures an HTTP-backed Client.
type Config struct {
	VersionsBaseURL string
	ModsBaseURL     string
	Timeout         time.Duration
	Logger          *slog.Logger
}

// Client is the HTTPS JSON implementation of VersionResolver and
// ModCatalog. Concurrent lookups for the same key are deduplicated
// with singleflight so a VersionInstall racing a background
// version-check issues one outbound request, not two.
type Client struct {
	versionsBaseURL string
	modsBaseURL     string
	http            *http.Client
	logger          *slog.Logger
	group           singleflight.Group
}

func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		versionsBaseURL: cfg.VersionsBaseURL,
		modsBaseURL:     cfg.ModsBaseURL,
		http:            &http.Client{Timeout: cfg.Timeout},
		logger:          cfg.Logger,
	}
}

type versionResponse struct {
	Version     string `json:"version"`
	DownloadURL string `json:"download_url"`
	SHA1        string `json:"sha1"`
}

func (c *Client) ResolveVersion(ctx context.Context, version string) (VersionRelease, error) {
	v, err, _ := c.group.Do("version:"+version, func() (interface{}, error) {
		url := fmt.Sprintf("%s/%s", c.versionsBaseURL, version)
		var resp versionResponse
		if err := c.getJSON(ctx, url, &resp); err != nil {
			return VersionRelease{}, err
		}
		return VersionRelease{Version: resp.Version, DownloadURL: resp.DownloadURL, SHA1: resp.SHA1}, nil
	})
	if err != nil {
		return VersionRelease{}, err
	}
	return v.(VersionRelease), nil
}

type modReleasesResponse struct {
	Releases []struct {
		Version     string `json:"version"`
		DownloadURL string `json:"download_url"`
		SHA1        string `json:"sha1"`
	} `json:"releases"`
}

func (c *Client) ModReleases(ctx context.Context, name string) ([]ModRelease, error) {
	v, err, _ := c.group.Do("mod:"+name, func() (interface{}, error) {
		url := fmt.Sprintf("%s/%s", c.modsBaseURL, name)
		var resp modReleasesResponse
		if err := c.getJSON(ctx, url, &resp); err != nil {
			return nil, err
		}
		releases := make([]ModRelease, 0, len(resp.Releases))
		for _, r := range resp.Releases {
			releases = append(releases, ModRelease{Version: r.Version, DownloadURL: r.DownloadURL, SHA1: r.SHA1})
		}
		return releases, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]ModRelease), nil
}

func (c *Client) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("catalog: create request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error("catalog request failed", "url", url, "error", err)
		return fmt.Errorf("catalog: request %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, url)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("catalog: %s returned HTTP %d", url, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("catalog: decode response from %s: %w", url, err)
	}
	return nil
}
