package modelresolve

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/theproxycompany/orchard/orcherr"
)

func TestResolveLocalDirectory(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	modelDir := filepath.Join(root, "moondream3")
	if err := os.Mkdir(modelDir, 0o755); err != nil {
		t.Fatal(err)
	}

	r := NewResolver(root, "")
	resolved, err := r.Resolve("moondream3")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Source != SourceLocal || resolved.ModelPath != modelDir {
		t.Errorf("resolved = %+v", resolved)
	}
}

func TestResolveAlias(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	modelDir := filepath.Join(root, "moondream3-v2")
	if err := os.Mkdir(modelDir, 0o755); err != nil {
		t.Fatal(err)
	}

	r := NewResolver(root, "")
	r.RegisterAlias("moondream3", "moondream3-v2")

	resolved, err := r.Resolve("MOONDREAM3")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.CanonicalID != "moondream3-v2" {
		t.Errorf("CanonicalID = %q", resolved.CanonicalID)
	}
}

func TestResolveRelativePath(t *testing.T) {
	// Not t.Parallel: this test changes the process working directory.
	dir := t.TempDir()
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(cwd)

	if err := os.Mkdir(filepath.Join(dir, "mymodel"), 0o755); err != nil {
		t.Fatal(err)
	}

	r := NewResolver("", "")
	resolved, err := r.Resolve("./mymodel")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Source != SourceLocal {
		t.Errorf("Source = %q, want local", resolved.Source)
	}
}

func TestResolveDoesNotTreatSlashedIdentifierAsPath(t *testing.T) {
	// Not t.Parallel: this test changes the process working directory.
	// "models/foo" is not treated as a path even if such a directory
	// exists relative to the working directory.
	dir := t.TempDir()
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(cwd)

	if err := os.MkdirAll(filepath.Join(dir, "models", "foo"), 0o755); err != nil {
		t.Fatal(err)
	}

	r := NewResolver("", "")
	_, err = r.Resolve("models/foo")
	if !orcherr.IsCode(err, orcherr.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestResolveHFCache(t *testing.T) {
	t.Parallel()

	hfRoot := t.TempDir()
	cacheDir := filepath.Join(hfRoot, "models--vikhyatk--moondream3")
	snapshotDir := filepath.Join(cacheDir, "snapshots", "abc123")
	if err := os.MkdirAll(snapshotDir, 0o755); err != nil {
		t.Fatal(err)
	}

	r := NewResolver("", hfRoot)
	resolved, err := r.Resolve("vikhyatk/moondream3")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Source != SourceHFCache || resolved.ModelPath != snapshotDir {
		t.Errorf("resolved = %+v", resolved)
	}
}

func TestResolveHFCachePicksLatestSnapshot(t *testing.T) {
	t.Parallel()

	hfRoot := t.TempDir()
	cacheDir := filepath.Join(hfRoot, "models--org--name")
	oldSnap := filepath.Join(cacheDir, "snapshots", "old")
	newSnap := filepath.Join(cacheDir, "snapshots", "new")
	if err := os.MkdirAll(oldSnap, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(newSnap, 0o755); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	if err := os.Chtimes(oldSnap, now.Add(-time.Hour), now.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(newSnap, now, now); err != nil {
		t.Fatal(err)
	}

	r := NewResolver("", hfRoot)
	resolved, err := r.Resolve("org/name")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.ModelPath != newSnap {
		t.Errorf("ModelPath = %q, want %q", resolved.ModelPath, newSnap)
	}
}

func TestResolveNotFound(t *testing.T) {
	t.Parallel()

	r := NewResolver(t.TempDir(), "")
	_, err := r.Resolve("nonexistent")
	if !orcherr.IsCode(err, orcherr.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestResolveEmptyIdentifier(t *testing.T) {
	t.Parallel()

	r := NewResolver("", "")
	_, err := r.Resolve("")
	if !orcherr.IsCode(err, orcherr.CodeEmptyIdentifier) {
		t.Fatalf("expected EMPTY_IDENTIFIER, got %v", err)
	}
}
