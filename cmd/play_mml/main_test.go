package main

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func TestNormalizeBackend(t *testing.T) {
	for in, want := range map[string]string{"OTO": "oto", " Ebiten ": "ebiten", "wav": "wav"} {
		if got := normalizeBackend(in); got != want {
			t.Fatalf("normalizeBackend(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestResolveMMLInputSplitsChannels(t *testing.T) {
	got, err := resolveMMLInput("", "CDE; ;EFG;")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !slices.Equal(got, []string{"CDE", "EFG"}) {
		t.Fatalf("texts = %q", got)
	}

	path := filepath.Join(t.TempDir(), "song.mml")
	if err := os.WriteFile(path, []byte("T90 C\n\nO3 C\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err = resolveMMLInput(path, "")
	if err != nil {
		t.Fatalf("resolve file: %v", err)
	}
	if !slices.Equal(got, []string{"T90 C", "O3 C"}) {
		t.Fatalf("file texts = %q", got)
	}
}
