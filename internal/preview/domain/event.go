package domain

import (
	"errors"
	"fmt"
	"strings"
)

// CommandPrefix is the comment prefix that requests a preview deployment.
const CommandPrefix = "/preview"

// WebhookEvent is the subset of an issue_comment delivery the dispatcher reads.
type WebhookEvent struct {
	Action         string
	IssueNumber    int
	IsPullRequest  bool
	CommentID      int64
	CommentBody    string
	RepositoryID   int64
	RepoOwner      string
	RepoName       string
	InstallationID int64
}

// PreviewCommand is a recognised command line from a comment body.
type PreviewCommand struct {
	Name string
	Raw  string
}

// ParsedEvent is an accepted /preview request.
type ParsedEvent struct {
	PRNumber       int
	RepoOwner      string
	RepoName       string
	RepositoryID   int64
	CommentID      int64
	InstallationID int64
	Command        PreviewCommand
}

// FullRepo returns "owner/repo".
func (e ParsedEvent) FullRepo() string {
	return e.RepoOwner + "/" + e.RepoName
}

// SkipReason says why a delivery was accepted but not acted on.
type SkipReason string

const (
	SkipIgnoredAction  SkipReason = "ignored-action"
	SkipNotPullRequest SkipReason = "not-a-pr"
	SkipMissingInfo    SkipReason = "missing-info"
	SkipNoCommand      SkipReason = "no-command"
)

// SkipError is returned by ParseIssueComment for deliveries that are valid
// but carry nothing to do.
type SkipError struct {
	Reason SkipReason
	Detail string
}

func (e *SkipError) Error() string {
	if e.Detail == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

// AsSkip reports whether err is or wraps a SkipError.
func AsSkip(err error) (*SkipError, bool) {
	var skip *SkipError
	if errors.As(err, &skip) {
		return skip, true
	}
	return nil, false
}

// ParseIssueComment accepts only newly created comments on pull requests
// that carry a /preview command.
func ParseIssueComment(ev WebhookEvent) (ParsedEvent, error) {
	if ev.Action != "created" {
		return ParsedEvent{}, &SkipError{Reason: SkipIgnoredAction, Detail: fmt.Sprintf("action %q ignored", ev.Action)}
	}
	if !ev.IsPullRequest {
		return ParsedEvent{}, &SkipError{Reason: SkipNotPullRequest, Detail: "comment is not on a pull request"}
	}
	if ev.IssueNumber <= 0 || ev.RepoOwner == "" || ev.RepoName == "" {
		return ParsedEvent{}, &SkipError{Reason: SkipMissingInfo, Detail: "missing PR number or repository"}
	}

	cmd, ok := ExtractCommand(ev.CommentBody)
	if !ok {
		return ParsedEvent{}, &SkipError{Reason: SkipNoCommand, Detail: "no /preview command found"}
	}

	return ParsedEvent{
		PRNumber:       ev.IssueNumber,
		RepoOwner:      ev.RepoOwner,
		RepoName:       ev.RepoName,
		RepositoryID:   ev.RepositoryID,
		CommentID:      ev.CommentID,
		InstallationID: ev.InstallationID,
		Command:        cmd,
	}, nil
}

// ExtractCommand returns the first line of body that, once trimmed, starts
// with /preview.
func ExtractCommand(body string) (PreviewCommand, bool) {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, CommandPrefix) {
			return PreviewCommand{Name: strings.TrimPrefix(CommandPrefix, "/"), Raw: line}, true
		}
	}
	return PreviewCommand{}, false
}
