// Copyright 2024-2026 Aiku AI

package bridge

import (
	"fmt"
	"regexp"
	"strings"
)

// Default deduplication marker: a space followed by a zero-width no-break
// space. Invisible in clients, vanishingly unlikely in organic text.
const (
	DefaultDeduplicationTag        = " \uFEFF"
	DefaultDeduplicationTagPattern = ` \x{FEFF}$`
)

// filenameTag goes right before the file extension of attachments the
// bridge downloads itself, so a bounced upload can be recognized.
const filenameTag = "_mx_"

var filenameTagPattern = regexp.MustCompile(`^.+_mx_\..+$`)

// Tagger appends and detects the invisible deduplication marker on
// bridge-originated message bodies. It is the entire loop-prevention
// mechanism: every Matrix send made by the bridge must go through Tag, and
// every inbound Matrix body must be checked with IsTagged before relay.
type Tagger struct {
	tag     string
	pattern *regexp.Regexp
}

// NewTagger compiles a tagger. Empty arguments select the defaults. Both
// the marker and its detection pattern are override points because some
// third-party formatting layers strip certain codepoints.
func NewTagger(tag, pattern string) (*Tagger, error) {
	if tag == "" {
		tag = DefaultDeduplicationTag
	}
	if pattern == "" {
		pattern = DefaultDeduplicationTagPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid deduplication tag pattern: %w", err)
	}
	return &Tagger{tag: tag, pattern: re}, nil
}

// Tag marks text as bridge-originated.
func (t *Tagger) Tag(text string) string {
	return text + t.tag
}

// IsTagged reports whether text carries the marker.
func (t *Tagger) IsTagged(text string) bool {
	return t.pattern.MatchString(text)
}

// TagFilename inserts the filename marker right before the extension.
func TagFilename(name string) string {
	if idx := strings.LastIndex(name, "."); idx > 0 {
		return name[:idx] + filenameTag + name[idx:]
	}
	return name + filenameTag
}

// IsFilenameTagged reports whether a file path carries the filename marker.
func IsFilenameTagged(path string) bool {
	return filenameTagPattern.MatchString(path)
}
