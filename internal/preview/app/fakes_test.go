package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/nathantilsley/preview-dispatch/internal/preview/domain"
	"github.com/nathantilsley/preview-dispatch/internal/preview/ports"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeLookup struct {
	mu       sync.Mutex
	user     map[string]int64
	org      map[string]int64
	userErr  error
	list     []domain.Installation
	listErr  error
	orgCalls int
}

func (f *fakeLookup) UserInstallation(_ context.Context, login string) (int64, error) {
	if f.userErr != nil {
		return 0, f.userErr
	}
	if id, ok := f.user[login]; ok {
		return id, nil
	}
	return 0, domain.NewNotFoundError("user installation", login)
}

func (f *fakeLookup) OrgInstallation(_ context.Context, org string) (int64, error) {
	f.mu.Lock()
	f.orgCalls++
	f.mu.Unlock()
	if id, ok := f.org[org]; ok {
		return id, nil
	}
	return 0, domain.NewNotFoundError("organization installation", org)
}

func (f *fakeLookup) ListInstallations(context.Context) ([]domain.Installation, error) {
	return f.list, f.listErr
}

type fakeTokens struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (f *fakeTokens) InstallationToken(_ context.Context, id int64) (domain.InstallationToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return domain.InstallationToken{}, err
		}
	}
	return domain.InstallationToken{
		Token:       "ghs_test",
		Permissions: map[string]string{"pull_requests": "read", "issues": "write"},
		ExpiresAt:   time.Now().Add(time.Hour),
	}, nil
}

type fakePRs struct {
	sha string
	err error
}

func (f *fakePRs) PullRequest(_ context.Context, _ string, owner, repo string, number int) (domain.PRContext, error) {
	if f.err != nil {
		return domain.PRContext{}, f.err
	}
	return domain.PRContext{Owner: owner, Repo: repo, PRNumber: number, BaseRef: "main", HeadRef: "feature", HeadSHA: f.sha}, nil
}

type fakeComments struct {
	mu     sync.Mutex
	bodies []string
	err    error
}

func (f *fakeComments) PostComment(_ context.Context, _, _, _ string, _ int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.bodies = append(f.bodies, body)
	return nil
}

func (f *fakeComments) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.bodies...)
}

type fakeQueue struct {
	mu    sync.Mutex
	tasks []domain.DeploymentTask
	err   error
}

func (f *fakeQueue) Enqueue(_ context.Context, task domain.DeploymentTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.tasks = append(f.tasks, task)
	return nil
}

func (f *fakeQueue) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

// brokenStore fails every operation.
type brokenStore struct{}

var errStoreDown = errors.New("store unavailable")

func (brokenStore) Claim(context.Context, string, ports.ClaimAttrs) (bool, error) {
	return false, errStoreDown
}

func (brokenStore) Update(context.Context, string, domain.Status, ports.UpdateOptions) error {
	return errStoreDown
}
func (brokenStore) Release(context.Context, string) error { return errStoreDown }

func (brokenStore) Get(context.Context, string) (domain.DeploymentRecord, bool, error) {
	return domain.DeploymentRecord{}, false, errStoreDown
}

func (brokenStore) Purge(context.Context, time.Time) (int64, error) { return 0, errStoreDown }
