package model

import "strings"

// SanitizeVersion rewrites an engine version string into a form that is
// safe both as a store field name and as a directory name. The document
// store forbids dots inside field keys, so "11.2" becomes "11_2".
//
// This is the single place version strings are munged; callers sanitize
// once, right after probing the engine, and pass the sanitized form
// everywhere downstream.
func SanitizeVersion(version string) string {
	return strings.ReplaceAll(strings.TrimSpace(version), ".", "_")
}
