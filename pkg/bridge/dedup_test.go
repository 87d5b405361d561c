// Copyright 2024-2026 Aiku AI

package bridge

import "testing"

func TestTaggerDefaults(t *testing.T) {
	t.Parallel()
	tagger, err := NewTagger("", "")
	if err != nil {
		t.Fatalf("NewTagger failed: %v", err)
	}

	tagged := tagger.Tag("hello")
	if tagged != "hello \uFEFF" {
		t.Errorf("Tag = %q, want %q", tagged, "hello \uFEFF")
	}
	if !tagger.IsTagged(tagged) {
		t.Error("IsTagged did not recognize a tagged body")
	}
	if tagger.IsTagged("hello") {
		t.Error("IsTagged matched an untagged body")
	}
	// The marker only counts at the end of the body.
	if tagger.IsTagged("hello \uFEFF world") {
		t.Error("IsTagged matched a mid-body marker")
	}
}

func TestTaggerCustom(t *testing.T) {
	t.Parallel()
	tagger, err := NewTagger(" [m]", ` \[m\]$`)
	if err != nil {
		t.Fatalf("NewTagger failed: %v", err)
	}
	if !tagger.IsTagged(tagger.Tag("hello")) {
		t.Error("custom tagger did not round-trip")
	}
	if tagger.IsTagged("hello \uFEFF") {
		t.Error("custom tagger matched the default marker")
	}
}

func TestTaggerInvalidPattern(t *testing.T) {
	t.Parallel()
	if _, err := NewTagger("", "["); err == nil {
		t.Error("expected error for invalid pattern")
	}
}

func TestTagFilename(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in, want string
	}{
		{"photo.jpg", "photo_mx_.jpg"},
		{"archive.tar.gz", "archive.tar_mx_.gz"},
		{"noext", "noext_mx_"},
	}
	for _, tc := range cases {
		if got := TagFilename(tc.in); got != tc.want {
			t.Errorf("TagFilename(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}

	if !IsFilenameTagged("photo_mx_.jpg") {
		t.Error("IsFilenameTagged did not recognize a tagged filename")
	}
	if !IsFilenameTagged("/tmp/downloads/photo_mx_.jpg") {
		t.Error("IsFilenameTagged did not recognize a tagged path")
	}
	if IsFilenameTagged("photo.jpg") {
		t.Error("IsFilenameTagged matched a plain filename")
	}
}
