// Package ghapp talks to the GitHub REST API as a GitHub App: installation
// discovery with the App JWT, and repository calls with installation tokens.
package ghapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v68/github"

	"github.com/nathantilsley/preview-dispatch/internal/platform/retry"
	"github.com/nathantilsley/preview-dispatch/internal/preview/domain"
	"github.com/nathantilsley/preview-dispatch/internal/preview/ports"
)

// Config configures a Client.
type Config struct {
	AppID      int64
	PrivateKey string
	// BaseURL overrides https://api.github.com/ (GitHub Enterprise, tests).
	BaseURL string
	Policy  retry.Policy
	// Transport is the underlying round tripper. Defaults to http.DefaultTransport.
	Transport http.RoundTripper
}

// Client implements the GitHub-facing ports.
type Client struct {
	app    *github.Client
	repo   *github.Client
	policy retry.Policy
	log    *slog.Logger
}

var (
	_ ports.InstallationLookup = (*Client)(nil)
	_ ports.TokenExchanger     = (*Client)(nil)
	_ ports.PullRequestPort    = (*Client)(nil)
	_ ports.CommentPort        = (*Client)(nil)
)

// New creates a Client authenticated as the App identified by cfg.
func New(cfg Config, log *slog.Logger) (*Client, error) {
	key, err := ParsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	return NewWithMinter(NewAppTokenMinter(cfg.AppID, key), cfg, log)
}

// NewWithMinter creates a Client around an existing minter.
func NewWithMinter(minter *AppTokenMinter, cfg Config, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	timeout := cfg.Policy.Timeout
	if timeout <= 0 {
		timeout = retry.DefaultPolicy.Timeout
	}

	appHTTP := &http.Client{
		Transport: newAppTransport(cfg.Transport, minter, time.Now),
		Timeout:   timeout,
	}
	app, err := newGitHubClient(appHTTP, cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	repo, err := newGitHubClient(&http.Client{Transport: cfg.Transport, Timeout: timeout}, cfg.BaseURL)
	if err != nil {
		return nil, err
	}

	return &Client{app: app, repo: repo, policy: cfg.Policy, log: log}, nil
}

func newGitHubClient(httpClient *http.Client, baseURL string) (*github.Client, error) {
	client := github.NewClient(httpClient)
	if baseURL == "" {
		return client, nil
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing github base url: %w", err)
	}
	client.BaseURL = u
	return client, nil
}

// classify maps go-github errors onto retry and domain semantics.
func classify(err error, resource, key string) error {
	var ghErr *github.ErrorResponse
	if !errors.As(err, &ghErr) || ghErr.Response == nil {
		return err
	}
	status := ghErr.Response.StatusCode
	switch {
	case status == http.StatusNotFound:
		return retry.Permanent(domain.NewNotFoundError(resource, key))
	case status == http.StatusTooManyRequests:
		return err
	case status >= 400 && status < 500:
		return retry.Permanent(err)
	}
	return err
}

// UserInstallation implements ports.InstallationLookup.
func (c *Client) UserInstallation(ctx context.Context, login string) (int64, error) {
	var id int64
	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		inst, _, err := c.app.Apps.FindUserInstallation(ctx, login)
		if err != nil {
			return classify(err, "user installation", login)
		}
		id = inst.GetID()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("finding user installation: %w", err)
	}
	return id, nil
}

// OrgInstallation implements ports.InstallationLookup.
func (c *Client) OrgInstallation(ctx context.Context, org string) (int64, error) {
	var id int64
	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		inst, _, err := c.app.Apps.FindOrganizationInstallation(ctx, org)
		if err != nil {
			return classify(err, "organization installation", org)
		}
		id = inst.GetID()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("finding organization installation: %w", err)
	}
	return id, nil
}

// ListInstallations implements ports.InstallationLookup.
func (c *Client) ListInstallations(ctx context.Context) ([]domain.Installation, error) {
	var all []domain.Installation
	opts := &github.ListOptions{
		PerPage: 100,
	}

	for {
		var (
			page []*github.Installation
			resp *github.Response
		)
		err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
			var err error
			page, resp, err = c.app.Apps.ListInstallations(ctx, opts)
			if err != nil {
				return classify(err, "installations", "app")
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("listing installations: %w", err)
		}

		for _, inst := range page {
			all = append(all, domain.Installation{
				ID:           inst.GetID(),
				AccountLogin: inst.GetAccount().GetLogin(),
				AccountType:  inst.GetAccount().GetType(),
			})
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return all, nil
}

// InstallationToken implements ports.TokenExchanger.
func (c *Client) InstallationToken(ctx context.Context, installationID int64) (domain.InstallationToken, error) {
	var tok *github.InstallationToken
	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		var err error
		tok, _, err = c.app.Apps.CreateInstallationToken(ctx, installationID, nil)
		if err != nil {
			return classify(err, "installation", strconv.FormatInt(installationID, 10))
		}
		return nil
	})
	if err != nil {
		return domain.InstallationToken{}, fmt.Errorf("creating installation token: %w", err)
	}

	out := domain.InstallationToken{
		Token:       tok.GetToken(),
		Permissions: permissionMap(tok.GetPermissions()),
		ExpiresAt:   tok.GetExpiresAt().Time,
	}
	c.log.Debug("installation token issued", "installation_id", installationID, "expires_at", out.ExpiresAt)
	return out, nil
}

// permissionMap flattens the sparse permissions struct to name -> level.
func permissionMap(p *github.InstallationPermissions) map[string]string {
	out := map[string]string{}
	if p == nil {
		return out
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return out
	}
	_ = json.Unmarshal(raw, &out)
	return out
}

// PullRequest implements ports.PullRequestPort.
func (c *Client) PullRequest(ctx context.Context, token, owner, repo string, number int) (domain.PRContext, error) {
	client := c.repo.WithAuthToken(token)

	var pr *github.PullRequest
	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		var err error
		pr, _, err = client.PullRequests.Get(ctx, owner, repo, number)
		if err != nil {
			return classify(err, "pull request", fmt.Sprintf("%s/%s#%d", owner, repo, number))
		}
		return nil
	})
	if err != nil {
		return domain.PRContext{}, fmt.Errorf("fetching PR: %w", err)
	}

	return domain.PRContext{
		Owner:    owner,
		Repo:     repo,
		PRNumber: number,
		BaseRef:  pr.GetBase().GetRef(),
		HeadRef:  pr.GetHead().GetRef(),
		HeadSHA:  pr.GetHead().GetSHA(),
	}, nil
}

// PostComment implements ports.CommentPort. Creating a comment is not
// idempotent, so it gets one attempt: a 5xx may still have posted it.
func (c *Client) PostComment(ctx context.Context, token, owner, repo string, number int, body string) error {
	client := c.repo.WithAuthToken(token)
	comment := &github.IssueComment{Body: github.Ptr(body)}

	p := c.policy
	p.Retries = 0
	err := retry.Do(ctx, p, func(ctx context.Context) error {
		_, _, err := client.Issues.CreateComment(ctx, owner, repo, number, comment)
		if err != nil {
			return classify(err, "issue", fmt.Sprintf("%s/%s#%d", owner, repo, number))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("posting comment: %w", err)
	}
	return nil
}
