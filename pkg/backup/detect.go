package backup

import "strings"

// TypeForImage picks a backup format from a service's image reference.
// Anything unrecognised falls back to a raw volume tarball.
func TypeForImage(image string) string {
	ref := strings.ToLower(image)
	switch {
	case strings.Contains(ref, "postgres"):
		return "dump"
	case strings.Contains(ref, "mysql"), strings.Contains(ref, "mariadb"):
		return "sql"
	case strings.Contains(ref, "mongo"):
		return "archive.gz"
	case strings.Contains(ref, "redis"):
		return "rdb"
	default:
		return ".backup"
	}
}
