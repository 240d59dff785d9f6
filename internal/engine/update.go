package engine

import (
	"context"
	"fmt"

	"github.com/3frustratedDucks/linux-containers-portainer/internal/deploy"
	"github.com/3frustratedDucks/linux-containers-portainer/internal/release"
	"github.com/3frustratedDucks/linux-containers-portainer/internal/store"
)

// UpdateOptions select the tag Update applies. With neither field set the
// current tag is pulled again.
type UpdateOptions struct {
	Version      string
	LatestStable bool
}

// UpdateResult reports the tag transition.
type UpdateResult struct {
	Image    string
	Previous string
	Current  string
}

// Update pulls the image for the selected tag and recreates the deployment.
func (m *Manager) Update(ctx context.Context, opts UpdateOptions) (*UpdateResult, error) {
	if opts.Version != "" && opts.LatestStable {
		return nil, fmt.Errorf("--version and --latest-stable are mutually exclusive")
	}

	var result *UpdateResult
	err := m.journal(ctx, "update", opts.Version, func(op *store.Operation) error {
		rec, err := m.resolveInto(op)
		if err != nil {
			return err
		}

		target := rec.Tag
		switch {
		case opts.Version != "":
			target = opts.Version
		case opts.LatestStable:
			if m.tags == nil {
				return fmt.Errorf("no registry client configured")
			}
			target, err = release.LatestStable(ctx, m.tags, rec.Image)
			if err != nil {
				return err
			}
			m.logger.Info("resolved latest stable tag", "image", rec.Image, "tag", target)
			if c, ok := release.Compare(rec.Tag, target); ok && c > 0 {
				fmt.Fprintf(m.out, "Deployed tag %s is newer than the latest stable %s; keeping it.\n", rec.Tag, target)
				target = rec.Tag
			}
		}
		op.Detail = rec.Image + ":" + target

		result = &UpdateResult{Image: rec.Image, Previous: rec.Tag, Current: target}
		return m.applyTag(ctx, op, rec, target)
	})
	return result, err
}

// Rollback re-applies the tag that was active before the last update.
func (m *Manager) Rollback(ctx context.Context) (*UpdateResult, error) {
	var result *UpdateResult
	err := m.journal(ctx, "rollback", "", func(op *store.Operation) error {
		rec, err := m.resolveInto(op)
		if err != nil {
			return err
		}
		prev, err := m.previousTag(rec)
		if err != nil {
			return err
		}
		op.Detail = rec.Image + ":" + prev

		result = &UpdateResult{Image: rec.Image, Previous: rec.Tag, Current: prev}
		return m.applyTag(ctx, op, rec, prev)
	})
	return result, err
}

// previousTag finds the newest release that moved the deployment onto its
// current tag from a different one. Re-pulls of the same tag are skipped.
func (m *Manager) previousTag(rec *deploy.Record) (string, error) {
	releases, err := m.store.ListReleases(rec.Mode.String(), 0)
	if err != nil {
		return "", err
	}
	for _, r := range releases {
		if r.Tag != rec.Tag {
			// The record was edited outside portainerctl; the journal no
			// longer describes the running tag.
			break
		}
		if r.PreviousTag != "" && r.PreviousTag != r.Tag {
			return r.PreviousTag, nil
		}
	}
	return "", ErrNoPreviousRelease
}

// applyTag points the descriptor and record at target, pulls and recreates.
// A failed pull or up puts the previous descriptor and record back.
func (m *Manager) applyTag(ctx context.Context, op *store.Operation, rec *deploy.Record, target string) error {
	composePath := m.cfg.ComposePath()
	recordPath := m.cfg.RecordPath()
	previous := *rec

	retagged := target != rec.Tag
	if retagged {
		if err := deploy.RetagDescriptor(composePath, rec.Service, rec.Image+":"+target); err != nil {
			return err
		}
		rec.Tag = target
		if err := deploy.SaveRecord(recordPath, rec); err != nil {
			return err
		}
	}

	revert := func(cause error) error {
		if !retagged {
			return cause
		}
		if err := deploy.RetagDescriptor(composePath, previous.Service, previous.ImageRef()); err != nil {
			m.logger.Error("failed to restore previous image in descriptor", "error", err)
		}
		if err := deploy.SaveRecord(recordPath, &previous); err != nil {
			m.logger.Error("failed to restore previous deployment record", "error", err)
		}
		return cause
	}

	if err := m.compose.Pull(ctx); err != nil {
		return revert(err)
	}
	if err := m.compose.Up(ctx); err != nil {
		return revert(err)
	}

	if err := m.store.RecordRelease(&store.Release{
		Mode:        rec.Mode.String(),
		Image:       rec.Image,
		Tag:         target,
		PreviousTag: previous.Tag,
		RunID:       op.RunID,
		AppliedAt:   m.now(),
	}); err != nil {
		m.logger.Warn("failed to record release", "error", err)
	}
	fmt.Fprintf(m.out, "Deployment now runs %s:%s\n", rec.Image, target)
	return nil
}

// Versions lists the stable tags published for the deployment's image,
// newest first.
func (m *Manager) Versions(ctx context.Context) ([]string, *deploy.Record, error) {
	rec, err := m.Deployment()
	if err != nil {
		return nil, nil, err
	}
	if m.tags == nil {
		return nil, rec, fmt.Errorf("no registry client configured")
	}
	tags, err := m.tags.Tags(ctx, rec.Image)
	if err != nil {
		return nil, rec, fmt.Errorf("listing tags for %s: %w", rec.Image, err)
	}
	return release.Stable(tags), rec, nil
}

// Releases returns applied releases for the deployment's mode, newest first.
func (m *Manager) Releases(limit int) ([]store.Release, error) {
	rec, err := m.Deployment()
	if err != nil {
		return nil, err
	}
	return m.store.ListReleases(rec.Mode.String(), limit)
}
