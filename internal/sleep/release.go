package sleep

import (
	"context"
	"fmt"
	"net/http"
	"time"

	gogithub "github.com/google/go-github/v69/github"
)

// ReleaseInfo describes the newest published release of a repository.
type ReleaseInfo struct {
	Tag         string
	Name        string
	URL         string
	PublishedAt time.Time
}

// ReleaseChecker looks up the latest release of a repository. The
// self-improvement phase uses it to notice when a newer build exists.
type ReleaseChecker interface {
	Latest(ctx context.Context, owner, repo string) (*ReleaseInfo, error)
}

// GitHubReleases implements ReleaseChecker with the go-github SDK.
type GitHubReleases struct {
	client *gogithub.Client
}

// NewGitHubReleases builds a checker. token may be empty for public
// repositories. baseURL overrides api.github.com, which tests use to
// point at a local server.
func NewGitHubReleases(httpClient *http.Client, token, baseURL string) (*GitHubReleases, error) {
	client := gogithub.NewClient(httpClient)
	if token != "" {
		client = client.WithAuthToken(token)
	}
	if baseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("release: base url %q: %w", baseURL, err)
		}
	}
	return &GitHubReleases{client: client}, nil
}

// Latest returns the repository's most recent published release.
func (g *GitHubReleases) Latest(ctx context.Context, owner, repo string) (*ReleaseInfo, error) {
	rel, _, err := g.client.Repositories.GetLatestRelease(ctx, owner, repo)
	if err != nil {
		return nil, fmt.Errorf("release: latest %s/%s: %w", owner, repo, err)
	}
	return &ReleaseInfo{
		Tag:         rel.GetTagName(),
		Name:        rel.GetName(),
		URL:         rel.GetHTMLURL(),
		PublishedAt: rel.GetPublishedAt().Time,
	}, nil
}
