// Package main provides a CLI tool that sends a signed /preview comment
// webhook to a dispatcher for testing.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v68/github"
	"github.com/google/uuid"

	"github.com/nathantilsley/preview-dispatch/internal/preview/domain"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := parseCliConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		return err
	}

	owner, repo, prNum, err := parsePRURL(cfg.prURL)
	if err != nil {
		return fmt.Errorf("parsing PR URL: %w", err)
	}

	ctx := context.Background()
	client, err := newGitHubClient(cfg)
	if err != nil {
		return err
	}
	fmt.Printf("Fetching PR details from GitHub...\n")
	pr, _, err := client.PullRequests.Get(ctx, owner, repo, prNum)
	if err != nil {
		return fmt.Errorf("fetching PR: %w", err)
	}

	payload := buildWebhookPayload(pr, owner, repo, prNum, cfg.installID, cfg.comment)
	return sendWebhook(ctx, cfg, payload, owner, repo, prNum, pr)
}

type cliConfig struct {
	token          string
	webhookURL     string
	secret         string
	installID      int64
	appID          int64
	privateKeyPath string
	comment        string
	prURL          string
}

func parseCliConfig(fs *flag.FlagSet, args []string) (cliConfig, error) {
	var (
		token      = fs.String("token", "", "GitHub personal access token (or use GITHUB_TOKEN env var)")
		webhookURL = fs.String("url", "http://localhost:8000/webhook", "Webhook URL")
		secret     = fs.String(
			"secret",
			"",
			"Webhook secret for signing (read from GITHUB_WEBHOOK_SECRET env var if not set)",
		)
		installID = fs.Int64(
			"installation-id",
			0,
			"GitHub App installation ID (read from GITHUB_INSTALLATION_ID env var if not set)",
		)
		appID          = fs.Int64("app-id", 0, "GitHub App ID; fetch the PR as the App instead of with a token")
		privateKeyPath = fs.String("private-key-path", "", "GitHub App private key file, used with -app-id")
		comment        = fs.String("comment", "/preview", "Comment body to send")
	)
	if err := fs.Parse(args); err != nil {
		return cliConfig{}, err
	}

	cfg := cliConfig{
		token:          getEnvOrFlag(*token, "GITHUB_TOKEN"),
		secret:         getEnvOrFlag(*secret, "GITHUB_WEBHOOK_SECRET"),
		webhookURL:     *webhookURL,
		appID:          *appID,
		privateKeyPath: getEnvOrFlag(*privateKeyPath, "GITHUB_APP_PRIVATE_KEY_PATH"),
		comment:        *comment,
	}

	if cfg.secret == "" {
		return cfg, errors.New("webhook secret required\nProvide via -secret flag or GITHUB_WEBHOOK_SECRET env var")
	}

	cfg.installID = *installID
	if cfg.installID == 0 {
		if idStr := os.Getenv("GITHUB_INSTALLATION_ID"); idStr != "" {
			id, err := strconv.ParseInt(idStr, 10, 64)
			if err != nil {
				return cfg, fmt.Errorf("invalid GITHUB_INSTALLATION_ID: %w", err)
			}
			cfg.installID = id
		}
	}

	if cfg.appID != 0 {
		if cfg.privateKeyPath == "" {
			return cfg, errors.New("private key required with -app-id\nProvide via -private-key-path flag or GITHUB_APP_PRIVATE_KEY_PATH env var")
		}
		if cfg.installID == 0 {
			return cfg, errors.New(
				"github App installation ID required with -app-id\nProvide via -installation-id flag or GITHUB_INSTALLATION_ID env var",
			)
		}
	} else if cfg.token == "" {
		return cfg, errors.New("github token required\nProvide via -token flag, GITHUB_TOKEN env var, or -app-id with -private-key-path")
	}

	if fs.NArg() == 0 {
		fs.Usage()
		return cfg, errors.New("missing PR URL argument")
	}
	cfg.prURL = fs.Arg(0)

	return cfg, nil
}

func getEnvOrFlag(flagValue, envKey string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv(envKey)
}

func newGitHubClient(cfg cliConfig) (*github.Client, error) {
	if cfg.appID == 0 {
		return github.NewClient(nil).WithAuthToken(cfg.token), nil
	}
	tr, err := ghinstallation.NewKeyFromFile(http.DefaultTransport, cfg.appID, cfg.installID, cfg.privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("creating installation transport: %w", err)
	}
	return github.NewClient(&http.Client{Transport: tr, Timeout: 30 * time.Second}), nil
}

func buildWebhookPayload(pr *github.PullRequest, owner, repo string, prNum int, installID int64, comment string) []byte {
	payload := map[string]interface{}{
		"action": "created",
		"issue": map[string]interface{}{
			"number": prNum,
			"title":  pr.GetTitle(),
			"pull_request": map[string]interface{}{
				"url":      pr.GetURL(),
				"html_url": pr.GetHTMLURL(),
			},
		},
		"comment": map[string]interface{}{
			"id":   time.Now().UnixNano(),
			"body": comment,
			"user": map[string]interface{}{"login": "preview-cli"},
		},
		"repository": map[string]interface{}{
			"id":        pr.GetBase().GetRepo().GetID(),
			"name":      repo,
			"full_name": owner + "/" + repo,
			"owner":     map[string]interface{}{"login": owner},
		},
	}
	if installID != 0 {
		payload["installation"] = map[string]interface{}{"id": installID}
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("marshaling payload: %v", err)) // Should never fail with map[string]interface{}
	}
	return payloadBytes
}

func sendWebhook(
	ctx context.Context,
	cfg cliConfig,
	payload []byte,
	owner, repo string,
	prNum int,
	pr *github.PullRequest,
) error {
	fmt.Printf("\nSending webhook to %s...\n", cfg.webhookURL)
	fmt.Printf("  Owner: %s\n", owner)
	fmt.Printf("  Repo: %s\n", repo)
	fmt.Printf("  PR: #%d\n", prNum)
	fmt.Printf("  Head: %s (%s)\n", pr.GetHead().GetRef(), pr.GetHead().GetSHA())
	fmt.Printf("  Comment: %q\n", cfg.comment)
	fmt.Println()

	req, err := newWebhookRequest(ctx, cfg.webhookURL, cfg.secret, payload, cfg.installID)
	if err != nil {
		return err
	}

	resp, err := (&http.Client{Timeout: 60 * time.Second}).Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", "error", err)
		}
	}()

	//nolint:errcheck // Best effort read for logging only
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted {
		fmt.Printf("✓ Webhook accepted (status %d)\n", resp.StatusCode)
		if len(body) > 0 {
			fmt.Printf("Response: %s\n", string(body))
		}
		fmt.Printf("\nCheck your GitHub PR for the acknowledgement comment!\n")
		fmt.Printf("%s\n", cfg.prURL)
		return nil
	}

	fmt.Printf("✗ Webhook failed (status %d)\n", resp.StatusCode)
	if len(body) > 0 {
		fmt.Printf("Response: %s\n", string(body))
	}
	return fmt.Errorf("webhook returned status %d", resp.StatusCode)
}

func newWebhookRequest(ctx context.Context, url, secret string, payload []byte, installID int64) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", "issue_comment")
	req.Header.Set("X-Hub-Signature-256", domain.SignPayload(payload, secret))
	req.Header.Set("X-GitHub-Delivery", uuid.NewString())
	if installID != 0 {
		req.Header.Set("X-GitHub-Hook-Installation-Target-ID", strconv.FormatInt(installID, 10))
	}
	return req, nil
}

// parsePRURL extracts owner, repo, and PR number from a GitHub PR URL
// Handles formats:
//   - https://github.com/owner/repo/pull/123
//   - https://github.com/owner/repo/pull/123/changes
//   - https://github.com/owner/repo/pull/123/files
func parsePRURL(url string) (string, string, int, error) {
	re := regexp.MustCompile(`github\.com/([^/]+)/([^/]+)/pull/(\d+)(?:/.*)?$`)
	matches := re.FindStringSubmatch(url)

	if len(matches) != 4 {
		return "", "", 0, fmt.Errorf(
			"invalid PR URL format, expected: https://github.com/owner/repo/pull/123, got: %s",
			url,
		)
	}

	prNum, err := strconv.Atoi(matches[3])
	if err != nil {
		return "", "", 0, fmt.Errorf("invalid PR number: %w", err)
	}

	return matches[1], matches[2], prNum, nil
}
