package app

import (
	"fmt"
	"strings"

	"github.com/nathantilsley/preview-dispatch/internal/preview/domain"
)

// Comment bodies posted on the pull request.
const (
	msgAuthFailed     = "❌ Failed to authenticate with GitHub."
	msgPRLookupFailed = "❌ Failed to retrieve PR information."
	msgNoCommitSHA    = "❌ Could not determine commit SHA for deployment."
	msgInternalError  = "❌ An error occurred while processing the deployment request."
)

// Response texts for deliveries that cannot be attributed to an installation.
const (
	ResolutionFailureMessage = "Could not determine installation ID. Please ensure the GitHub App is installed."
	ResolutionFailureHelp    = "Go to your GitHub App settings and install it on your account or organization."
)

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

// ackComment acknowledges a claimed request.
func ackComment(pr domain.PRContext) string {
	var sb strings.Builder
	sb.WriteString("🚀 Deployment requested! Setting up preview environment...\n\n")
	fmt.Fprintf(&sb, "<sub>Commit `%s` on `%s`</sub>\n", shortSHA(pr.HeadSHA), pr.HeadRef)
	return sb.String()
}

// enqueueFailedComment reports that the task never reached the deployer.
// settings names the configuration an operator should check.
func enqueueFailedComment(settings string) string {
	if settings == "" {
		return "❌ Failed to queue deployment. Please check server configuration."
	}
	return fmt.Sprintf("❌ Failed to queue deployment. Please check server configuration (%s).", settings)
}
