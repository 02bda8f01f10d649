// Package imagenorm normalises a user-supplied image reference into the
// fully-qualified registry/namespace/repo:tag (or @digest) form a deploy
// payload carries to the agent.
package imagenorm

import (
	"fmt"

	"github.com/distribution/reference"
)

// Normalize expands ref per Docker's own reference rules: a bare repo
// becomes docker.io/library/<repo>, a namespace/repo pair without a
// registry host becomes docker.io/<ns>/<repo>, and a reference with
// neither tag nor digest gets the latest tag.
func Normalize(ref string) (string, error) {
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return "", fmt.Errorf("invalid image reference %q: %w", ref, err)
	}
	named = reference.TagNameOnly(named)
	return named.String(), nil
}
