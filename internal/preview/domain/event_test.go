package domain

import "testing"

func validEvent() WebhookEvent {
	return WebhookEvent{
		Action:         "created",
		IssueNumber:    42,
		IsPullRequest:  true,
		CommentID:      1001,
		CommentBody:    "/preview",
		RepositoryID:   555,
		RepoOwner:      "octo-org",
		RepoName:       "web",
		InstallationID: 77,
	}
}

func TestParseIssueComment(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*WebhookEvent)
		wantReason SkipReason
	}{
		{name: "accepted", mutate: func(*WebhookEvent) {}},
		{name: "edited action", mutate: func(e *WebhookEvent) { e.Action = "edited" }, wantReason: SkipIgnoredAction},
		{name: "deleted action", mutate: func(e *WebhookEvent) { e.Action = "deleted" }, wantReason: SkipIgnoredAction},
		{name: "plain issue", mutate: func(e *WebhookEvent) { e.IsPullRequest = false }, wantReason: SkipNotPullRequest},
		{name: "missing number", mutate: func(e *WebhookEvent) { e.IssueNumber = 0 }, wantReason: SkipMissingInfo},
		{name: "missing owner", mutate: func(e *WebhookEvent) { e.RepoOwner = "" }, wantReason: SkipMissingInfo},
		{name: "missing repo", mutate: func(e *WebhookEvent) { e.RepoName = "" }, wantReason: SkipMissingInfo},
		{name: "no command", mutate: func(e *WebhookEvent) { e.CommentBody = "looks good to me" }, wantReason: SkipNoCommand},
		{name: "command mid-line", mutate: func(e *WebhookEvent) { e.CommentBody = "please run /preview" }, wantReason: SkipNoCommand},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := validEvent()
			tt.mutate(&ev)

			got, err := ParseIssueComment(ev)
			if tt.wantReason == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if got.PRNumber != 42 || got.FullRepo() != "octo-org/web" {
					t.Errorf("parsed = %+v", got)
				}
				if got.CommentID != 1001 || got.InstallationID != 77 || got.RepositoryID != 555 {
					t.Errorf("ids not carried: %+v", got)
				}
				return
			}

			skip, ok := AsSkip(err)
			if !ok {
				t.Fatalf("expected SkipError, got %v", err)
			}
			if skip.Reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", skip.Reason, tt.wantReason)
			}
		})
	}
}

func TestExtractCommand(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantOK  bool
		wantRaw string
	}{
		{name: "bare", body: "/preview", wantOK: true, wantRaw: "/preview"},
		{name: "surrounding whitespace", body: "   /preview  ", wantOK: true, wantRaw: "/preview"},
		{name: "with args", body: "/preview env=staging", wantOK: true, wantRaw: "/preview env=staging"},
		{name: "later line", body: "Thanks!\n\n  /preview now\r\nbye", wantOK: true, wantRaw: "/preview now"},
		{name: "first match wins", body: "/preview one\n/preview two", wantOK: true, wantRaw: "/preview one"},
		{name: "absent", body: "lgtm", wantOK: false},
		{name: "inline mention", body: "try /preview later", wantOK: false},
		{name: "empty", body: "", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, ok := ExtractCommand(tt.body)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if cmd.Raw != tt.wantRaw {
				t.Errorf("Raw = %q, want %q", cmd.Raw, tt.wantRaw)
			}
			if cmd.Name != "preview" {
				t.Errorf("Name = %q, want preview", cmd.Name)
			}
		})
	}
}

func TestIdempotencyKey(t *testing.T) {
	pr := PRContext{Owner: "octo-org", Repo: "web", PRNumber: 42, HeadSHA: "abc123"}
	if got, want := pr.IdempotencyKey(), "octo-org/web#42:abc123"; got != want {
		t.Errorf("IdempotencyKey() = %q, want %q", got, want)
	}
}

func TestParseStatus(t *testing.T) {
	for _, s := range []string{"pending", "claimed", "deployed", "failed"} {
		if _, err := ParseStatus(s); err != nil {
			t.Errorf("ParseStatus(%q): %v", s, err)
		}
	}
	if _, err := ParseStatus("running"); err == nil {
		t.Error("expected error for unknown status")
	}
	if !StatusDeployed.Terminal() || !StatusFailed.Terminal() || StatusClaimed.Terminal() || StatusPending.Terminal() {
		t.Error("unexpected Terminal() classification")
	}
}
