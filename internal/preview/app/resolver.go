package app

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/nathantilsley/preview-dispatch/internal/preview/domain"
	"github.com/nathantilsley/preview-dispatch/internal/preview/ports"
)

// Resolution sources, in the order they are tried.
const (
	SourceHeader     = "header"
	SourcePayload    = "payload"
	SourceUser       = "user-installation"
	SourceOrg        = "org-installation"
	SourceListSingle = "list-single"
	SourceListMatch  = "list-match"
	SourceListFirst  = "list-first"
)

// Resolution is the installation chosen for a delivery.
type Resolution struct {
	ID     int64
	Source string
	// LowConfidence is set when several installations exist and none
	// matched the repository owner.
	LowConfidence bool
}

// ResolveInstallation determines which installation a delivery belongs to.
// It has no side effects beyond the lookups it is given and logging.
func ResolveInstallation(ctx context.Context, hints domain.InstallationHints, lookup ports.InstallationLookup, log *slog.Logger) (Resolution, bool) {
	if raw := strings.TrimSpace(hints.HeaderTargetID); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		switch {
		case err != nil || id <= 0:
			log.Debug("ignoring unparsable installation target header", "value", raw)
		case id == hints.RepositoryID:
			// The header names the repository when the hook is configured on it.
			log.Debug("installation target header is the repository id", "value", raw)
		default:
			return Resolution{ID: id, Source: SourceHeader}, true
		}
	}

	if hints.PayloadID > 0 {
		return Resolution{ID: hints.PayloadID, Source: SourcePayload}, true
	}

	if lookup == nil {
		return Resolution{}, false
	}

	if hints.Owner != "" {
		id, err := lookup.UserInstallation(ctx, hints.Owner)
		switch {
		case err == nil && id > 0:
			return Resolution{ID: id, Source: SourceUser}, true
		case err == nil || domain.IsNotFound(err):
			id, err := lookup.OrgInstallation(ctx, hints.Owner)
			if err == nil && id > 0 {
				return Resolution{ID: id, Source: SourceOrg}, true
			}
			if err != nil && !domain.IsNotFound(err) {
				log.Warn("org installation lookup failed", "owner", hints.Owner, "error", err)
			}
		default:
			log.Warn("user installation lookup failed", "owner", hints.Owner, "error", err)
		}
	}

	installs, err := lookup.ListInstallations(ctx)
	if err != nil {
		log.Warn("listing installations failed", "error", err)
		return Resolution{}, false
	}

	switch len(installs) {
	case 0:
		return Resolution{}, false
	case 1:
		return Resolution{ID: installs[0].ID, Source: SourceListSingle}, true
	}

	for _, inst := range installs {
		if hints.Owner != "" && strings.EqualFold(inst.AccountLogin, hints.Owner) {
			return Resolution{ID: inst.ID, Source: SourceListMatch}, true
		}
	}

	log.Warn("no installation matches repository owner, using first",
		"owner", hints.Owner,
		"installation_id", installs[0].ID,
		"installations", len(installs),
	)
	return Resolution{ID: installs[0].ID, Source: SourceListFirst, LowConfidence: true}, true
}
