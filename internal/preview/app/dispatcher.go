// Package app implements the /preview dispatch pipeline.
package app

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/nathantilsley/preview-dispatch/internal/preview/domain"
	"github.com/nathantilsley/preview-dispatch/internal/preview/ports"
)

// OutcomeKind is the result of handling one delivery. Every kind maps to
// HTTP 200.
type OutcomeKind string

const (
	OutcomeIgnoredEvent      OutcomeKind = "ignored-event"
	OutcomeIgnoredAction     OutcomeKind = "ignored-action"
	OutcomeNotPR             OutcomeKind = "not-a-pr"
	OutcomeNoCommand         OutcomeKind = "no-command"
	OutcomeMissingInfo       OutcomeKind = "missing-info"
	OutcomeResolutionFailure OutcomeKind = "resolution-failure"
	OutcomeDuplicate         OutcomeKind = "duplicate"
	OutcomeQueued            OutcomeKind = "queued"
	OutcomeError             OutcomeKind = "error"
)

// Outcome describes what the dispatcher did with a delivery.
type Outcome struct {
	Kind           OutcomeKind
	Detail         string
	Help           string
	Repo           string
	PRNumber       int
	IdempotencyKey string
	InstallationID int64
}

// Deps are the collaborators of a Dispatcher.
type Deps struct {
	Installations ports.InstallationLookup
	Tokens        ports.TokenExchanger
	PullRequests  ports.PullRequestPort
	Comments      ports.CommentPort
	Store         ports.ClaimStore
	Queue         ports.TaskQueue
	// QueueSettings is quoted in the enqueue failure comment.
	QueueSettings string
}

// Dispatcher turns /preview comments into at most one deployment task per
// (repository, PR, commit).
type Dispatcher struct {
	deps Deps
	log  *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(deps Deps, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{deps: deps, log: log}
}

// HandleIssueComment filters a decoded issue_comment delivery and dispatches
// it when it carries a /preview command.
func (d *Dispatcher) HandleIssueComment(ctx context.Context, ev domain.WebhookEvent, headerTargetID string) Outcome {
	parsed, err := domain.ParseIssueComment(ev)
	if err != nil {
		skip, ok := domain.AsSkip(err)
		if !ok {
			d.log.Error("unexpected parse failure", "error", err)
			return Outcome{Kind: OutcomeError, Detail: err.Error()}
		}
		d.log.Debug("delivery skipped", "reason", skip.Reason, "detail", skip.Detail, "pr_number", ev.IssueNumber)
		return Outcome{Kind: skipOutcome(skip.Reason), Detail: skip.Detail, PRNumber: ev.IssueNumber}
	}

	return d.Dispatch(ctx, parsed, domain.InstallationHints{
		HeaderTargetID: headerTargetID,
		PayloadID:      parsed.InstallationID,
		RepositoryID:   parsed.RepositoryID,
		Owner:          parsed.RepoOwner,
	})
}

func skipOutcome(r domain.SkipReason) OutcomeKind {
	switch r {
	case domain.SkipIgnoredAction:
		return OutcomeIgnoredAction
	case domain.SkipNotPullRequest:
		return OutcomeNotPR
	case domain.SkipNoCommand:
		return OutcomeNoCommand
	default:
		return OutcomeMissingInfo
	}
}

// Dispatch runs the pipeline for an accepted command: resolve, authenticate,
// read the head commit, claim, acknowledge, enqueue.
func (d *Dispatcher) Dispatch(ctx context.Context, ev domain.ParsedEvent, hints domain.InstallationHints) Outcome {
	out := Outcome{Repo: ev.FullRepo(), PRNumber: ev.PRNumber}
	log := d.log.With("repo", out.Repo, "pr_number", ev.PRNumber)
	log.Info("processing /preview command", "command", ev.Command.Raw)

	res, ok := ResolveInstallation(ctx, hints, d.deps.Installations, log)
	if !ok {
		log.Error("could not determine installation id", "owner", hints.Owner)
		out.Kind = OutcomeResolutionFailure
		out.Detail = ResolutionFailureMessage
		out.Help = ResolutionFailureHelp
		return out
	}
	out.InstallationID = res.ID
	log = log.With("installation_id", res.ID)
	log.Debug("installation resolved", "source", res.Source, "low_confidence", res.LowConfidence)

	tok, err := d.deps.Tokens.InstallationToken(ctx, res.ID)
	if err != nil {
		log.Error("failed to get installation token", "error", err)
		d.commentWithFreshToken(ctx, log, res.ID, ev, msgAuthFailed)
		out.Kind = OutcomeError
		out.Detail = "failed to get installation token"
		return out
	}
	log.Debug("installation token permissions", "permissions", formatPermissions(tok.Permissions))

	pr, err := d.deps.PullRequests.PullRequest(ctx, tok.Token, ev.RepoOwner, ev.RepoName, ev.PRNumber)
	if err != nil {
		log.Error("failed to get PR details", "error", err)
		d.comment(ctx, log, tok.Token, ev, msgPRLookupFailed)
		out.Kind = OutcomeError
		out.Detail = "failed to get PR details"
		return out
	}
	if pr.HeadSHA == "" {
		log.Error("PR has no head commit")
		d.comment(ctx, log, tok.Token, ev, msgNoCommitSHA)
		out.Kind = OutcomeError
		out.Detail = "could not get commit SHA"
		return out
	}

	key := pr.IdempotencyKey()
	out.IdempotencyKey = key
	log = log.With("idempotency_key", key)

	claimed, err := d.deps.Store.Claim(ctx, key, ports.ClaimAttrs{
		Repo:           out.Repo,
		PRNumber:       ev.PRNumber,
		CommitSHA:      pr.HeadSHA,
		InstallationID: res.ID,
		CommentID:      ev.CommentID,
	})
	if err != nil {
		log.Error("claim failed", "error", err)
		d.comment(ctx, log, tok.Token, ev, msgInternalError)
		out.Kind = OutcomeError
		out.Detail = "claim store unavailable"
		return out
	}
	if !claimed {
		log.Info("deployment already claimed, ignoring duplicate")
		out.Kind = OutcomeDuplicate
		return out
	}

	d.comment(ctx, log, tok.Token, ev, ackComment(pr))

	task := domain.DeploymentTask{
		IdempotencyKey: key,
		Repo:           out.Repo,
		PRNumber:       ev.PRNumber,
		CommitSHA:      pr.HeadSHA,
		InstallationID: res.ID,
		CommentID:      ev.CommentID,
	}
	if err := d.deps.Queue.Enqueue(ctx, task); err != nil {
		log.Error("failed to enqueue deployment", "error", err)
		d.comment(ctx, log, tok.Token, ev, enqueueFailedComment(d.deps.QueueSettings))
		if err := d.deps.Store.Release(ctx, key); err != nil {
			log.Error("failed to release claim after enqueue failure", "error", err)
		}
		out.Kind = OutcomeError
		out.Detail = "failed to enqueue deployment"
		return out
	}

	log.Info("deployment queued", "commit_sha", pr.HeadSHA)
	out.Kind = OutcomeQueued
	return out
}

// comment posts body on the PR. Failures are logged and otherwise ignored.
func (d *Dispatcher) comment(ctx context.Context, log *slog.Logger, token string, ev domain.ParsedEvent, body string) {
	if err := d.deps.Comments.PostComment(ctx, token, ev.RepoOwner, ev.RepoName, ev.PRNumber, body); err != nil {
		log.Warn("failed to post comment", "error", err)
	}
}

// commentWithFreshToken makes one more token request for a failure comment.
func (d *Dispatcher) commentWithFreshToken(ctx context.Context, log *slog.Logger, installationID int64, ev domain.ParsedEvent, body string) {
	tok, err := d.deps.Tokens.InstallationToken(ctx, installationID)
	if err != nil {
		log.Warn("cannot post failure comment without a token", "error", err)
		return
	}
	d.comment(ctx, log, tok.Token, ev, body)
}

func formatPermissions(perms map[string]string) string {
	parts := make([]string, 0, len(perms))
	for name, level := range perms {
		parts = append(parts, name+"="+level)
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}
