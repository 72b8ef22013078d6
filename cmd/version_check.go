package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var ErrVersionCheckFailed = errors.New("version check failed")

// GitHubRelease is the subset of the latest release API response we read
type GitHubRelease struct {
	TagName     string    `json:"tag_name"`
	Name        string    `json:"name"`
	PublishedAt time.Time `json:"published_at"`
	HTMLURL     string    `json:"html_url"`
}

// VersionCheckResult contains the result of checking for updates
type VersionCheckResult struct {
	UpdateAvailable bool
	CurrentVersion  string
	LatestVersion   string
	ReleaseURL      string
	Error           error
}

// VersionCheckCache is the cached outcome of the last successful check
type VersionCheckCache struct {
	UpdateAvailable bool      `json:"update_available"`
	LatestVersion   string    `json:"latest_version"`
	ReleaseURL      string    `json:"release_url"`
	Timestamp       time.Time `json:"timestamp"`
}

const (
	latestReleaseURL    = "https://api.github.com/repos/airframesio/ziptable/releases/latest"
	versionCheckTimeout = 5 * time.Second
	versionCacheExpiry  = 24 * time.Hour
)

type versionChecker struct {
	releaseURL string
	cachePath  string
	client     *http.Client
	now        func() time.Time
}

func defaultVersionChecker() *versionChecker {
	return &versionChecker{
		releaseURL: latestReleaseURL,
		cachePath:  filepath.Join(StateDir(), "version_check.json"),
		client:     &http.Client{Timeout: versionCheckTimeout},
		now:        time.Now,
	}
}

// Check compares current with the latest published release. Development
// builds are never checked, and a result younger than a day is reused.
func (v *versionChecker) Check(ctx context.Context, current string) VersionCheckResult {
	result := VersionCheckResult{CurrentVersion: current}
	if current == "dev" || current == "" {
		return result
	}

	if cached := v.readCache(); cached != nil && v.now().Sub(cached.Timestamp) < versionCacheExpiry {
		result.UpdateAvailable = cached.UpdateAvailable
		result.LatestVersion = cached.LatestVersion
		result.ReleaseURL = cached.ReleaseURL
		return result
	}

	release, err := v.fetchLatest(ctx, current)
	if err != nil {
		result.Error = err
		return result
	}

	result.LatestVersion = strings.TrimPrefix(release.TagName, "v")
	result.ReleaseURL = release.HTMLURL
	result.UpdateAvailable = compareVersions(result.LatestVersion, strings.TrimPrefix(current, "v")) > 0

	v.writeCache(VersionCheckCache{
		UpdateAvailable: result.UpdateAvailable,
		LatestVersion:   result.LatestVersion,
		ReleaseURL:      result.ReleaseURL,
		Timestamp:       v.now(),
	})
	return result
}

func (v *versionChecker) fetchLatest(ctx context.Context, current string) (*GitHubRelease, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.releaseURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	// GitHub rejects requests without a User-Agent
	req.Header.Set("User-Agent", "ziptable/"+current)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch latest release: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrVersionCheckFailed, resp.StatusCode)
	}

	var release GitHubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &release, nil
}

func (v *versionChecker) readCache() *VersionCheckCache {
	data, err := os.ReadFile(v.cachePath)
	if err != nil {
		return nil
	}
	var cache VersionCheckCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil
	}
	return &cache
}

func (v *versionChecker) writeCache(cache VersionCheckCache) {
	_ = os.MkdirAll(filepath.Dir(v.cachePath), 0o755)
	data, err := json.Marshal(cache)
	if err != nil {
		return
	}
	_ = os.WriteFile(v.cachePath, data, 0o600)
}

// compareVersions returns 1 if v1 > v2, -1 if v1 < v2 and 0 if equal.
// Missing or non-numeric components count as zero.
func compareVersions(v1, v2 string) int {
	a, b := parseVersion(v1), parseVersion(v2)
	for i := range a {
		switch {
		case a[i] > b[i]:
			return 1
		case a[i] < b[i]:
			return -1
		}
	}
	return 0
}

// parseVersion reads [major, minor, patch], ignoring pre-release suffixes
func parseVersion(version string) [3]int {
	var parts [3]int
	for i, component := range strings.SplitN(version, ".", 3) {
		_, _ = fmt.Sscanf(component, "%d", &parts[i])
	}
	return parts
}

func formatUpdateMessage(result VersionCheckResult) string {
	return fmt.Sprintf("Update available: v%s → v%s (visit %s)",
		result.CurrentVersion,
		result.LatestVersion,
		result.ReleaseURL,
	)
}
