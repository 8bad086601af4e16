package domain

import "fmt"

// PRContext holds the details of the pull request a command was issued on.
type PRContext struct {
	Owner    string
	Repo     string
	PRNumber int
	BaseRef  string
	HeadRef  string
	HeadSHA  string
}

// FullRepo returns "owner/repo".
func (p PRContext) FullRepo() string {
	return p.Owner + "/" + p.Repo
}

// IdempotencyKey returns the identity of a deployment request for the PR's
// current head commit.
func (p PRContext) IdempotencyKey() string {
	return IdempotencyKey(p.Owner, p.Repo, p.PRNumber, p.HeadSHA)
}

// IdempotencyKey formats the deployment identity "owner/repo#pr:sha".
func IdempotencyKey(owner, repo string, prNumber int, sha string) string {
	return fmt.Sprintf("%s/%s#%d:%s", owner, repo, prNumber, sha)
}
