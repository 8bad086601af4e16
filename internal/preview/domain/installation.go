package domain

import "time"

// Installation is a GitHub App installation on a user or organization.
type Installation struct {
	ID           int64
	AccountLogin string
	AccountType  string
}

// InstallationToken is a short-lived token scoped to one installation.
type InstallationToken struct {
	Token       string
	Permissions map[string]string
	ExpiresAt   time.Time
}

// InstallationHints carries the installation evidence found on a delivery.
type InstallationHints struct {
	// HeaderTargetID is the raw X-GitHub-Hook-Installation-Target-ID value.
	HeaderTargetID string
	PayloadID      int64
	RepositoryID   int64
	Owner          string
}
