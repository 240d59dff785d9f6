package release

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// ErrNoStableVersion is returned when no tag parses as a stable release.
var ErrNoStableVersion = errors.New("no stable version tag found")

// TagLister is satisfied by Registry.
type TagLister interface {
	Tags(ctx context.Context, repo string) ([]string, error)
}

// parse accepts full major.minor.patch tags with an optional leading "v".
// Floating tags such as "2.21" are rejected so they never stand in for a
// pinned release.
func parse(tag string) (*semver.Version, error) {
	return semver.StrictNewVersion(strings.TrimPrefix(tag, "v"))
}

// Stable filters tags down to release versions (no prerelease suffix such as
// "-alpine" or "-rc1", no "latest", no floating "2.21") sorted newest first.
// The original tag spelling is kept.
func Stable(tags []string) []string {
	type parsed struct {
		tag string
		v   *semver.Version
	}
	var versions []parsed
	seen := make(map[string]bool)
	for _, tag := range tags {
		v, err := parse(tag)
		if err != nil || v.Prerelease() != "" || v.Metadata() != "" {
			continue
		}
		key := v.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		versions = append(versions, parsed{tag: tag, v: v})
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].v.GreaterThan(versions[j].v) })

	out := make([]string, len(versions))
	for i, p := range versions {
		out[i] = p.tag
	}
	return out
}

// LatestStable lists repo's tags and returns the newest stable one.
func LatestStable(ctx context.Context, l TagLister, repo string) (string, error) {
	tags, err := l.Tags(ctx, repo)
	if err != nil {
		return "", fmt.Errorf("listing tags for %s: %w", repo, err)
	}
	stable := Stable(tags)
	if len(stable) == 0 {
		return "", fmt.Errorf("%s: %w", repo, ErrNoStableVersion)
	}
	return stable[0], nil
}

// Compare orders two tags. Tags that are not versions compare equal to
// everything; ok reports whether both parsed.
func Compare(a, b string) (cmp int, ok bool) {
	va, errA := parse(a)
	vb, errB := parse(b)
	if errA != nil || errB != nil {
		return 0, false
	}
	return va.Compare(vb), true
}
