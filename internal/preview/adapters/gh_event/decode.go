// Package ghevent decodes GitHub webhook payloads into domain events.
package ghevent

import (
	"encoding/json"
	"fmt"

	"github.com/google/go-github/v68/github"

	"github.com/nathantilsley/preview-dispatch/internal/preview/domain"
)

// IssueCommentEvent is the X-GitHub-Event value for comment deliveries.
const IssueCommentEvent = "issue_comment"

// DecodeIssueComment parses an issue_comment payload. PR detection relies on
// the issue's pull_request object, which GitHub sets only for pull requests.
func DecodeIssueComment(body []byte) (domain.WebhookEvent, error) {
	var ev github.IssueCommentEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return domain.WebhookEvent{}, fmt.Errorf("decoding issue_comment payload: %w", err)
	}

	issue := ev.GetIssue()
	repo := ev.GetRepo()
	return domain.WebhookEvent{
		Action:         ev.GetAction(),
		IssueNumber:    issue.GetNumber(),
		IsPullRequest:  issue != nil && issue.IsPullRequest(),
		CommentID:      ev.GetComment().GetID(),
		CommentBody:    ev.GetComment().GetBody(),
		RepositoryID:   repo.GetID(),
		RepoOwner:      repo.GetOwner().GetLogin(),
		RepoName:       repo.GetName(),
		InstallationID: ev.GetInstallation().GetID(),
	}, nil
}
