// Package modelresolve maps user-supplied model identifiers (a local
// relative path, a bare alias, or a directory name under the model
// root) to a ResolvedModel. Unlike the rest of orchard this package has
// no example-file grounding: the identifier-classification rule is
// novel path-handling logic with no analogue anywhere in the example
// pack's provider/transport code, so it is the one component built
// directly against the standard library (see DESIGN.md).
package modelresolve

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/theproxycompany/orchard/orcherr"
)

// Source identifies where a resolved model's files live.
type Source string

const (
	SourceLocal   Source = "local"
	SourceHFCache Source = "hf_cache"
)

// ResolvedModel is immutable after resolution.
type ResolvedModel struct {
	CanonicalID string
	ModelPath   string
	Source      Source
}

// Resolver maps identifiers to ResolvedModels under a local model root
// and an optional Hugging-Face-cache-style root, routing through a
// lowercase alias map first.
type Resolver struct {
	modelRoot   string
	hfCacheRoot string

	mu      sync.RWMutex
	aliases map[string]string // lowercase alias -> canonical id
}

// NewResolver builds a Resolver rooted at modelRoot (a directory of
// per-model subdirectories) and hfCacheRoot (a Hugging Face cache
// directory, may be empty to disable hf_cache resolution).
func NewResolver(modelRoot, hfCacheRoot string) *Resolver {
	return &Resolver{
		modelRoot:   modelRoot,
		hfCacheRoot: hfCacheRoot,
		aliases:     make(map[string]string),
	}
}

// RegisterAlias routes a lowercased user-facing alias to a canonical id.
func (r *Resolver) RegisterAlias(alias, canonicalID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[strings.ToLower(alias)] = canonicalID
}

func (r *Resolver) lookupAlias(identifier string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	canonical, ok := r.aliases[strings.ToLower(identifier)]
	return canonical, ok
}

// isRelativePathPrefix implements a deliberately narrow relative-path
// detection rule: only "./" and "../" are treated as path
// prefixes. An identifier like "models/foo" is not a path, even though
// it contains a slash and even if such a directory exists.
func isRelativePathPrefix(identifier string) bool {
	return strings.HasPrefix(identifier, "./") || strings.HasPrefix(identifier, "../")
}

// looksLikeHFRepoID reports whether identifier has the Hugging Face
// "org/name" shape: exactly one slash, both sides non-empty, and it is
// not a relative path per isRelativePathPrefix.
func looksLikeHFRepoID(identifier string) bool {
	if isRelativePathPrefix(identifier) {
		return false
	}
	parts := strings.Split(identifier, "/")
	if len(parts) != 2 {
		return false
	}
	return parts[0] != "" && parts[1] != ""
}

// hfCacheDirName mirrors the Hugging Face hub cache's directory naming
// convention: "models--{org}--{name}".
func hfCacheDirName(repoID string) string {
	return "models--" + strings.ReplaceAll(repoID, "/", "--")
}

// latestSnapshot returns the most recently modified entry under
// <hfCacheDir>/snapshots, which Hugging Face's cache layout uses to
// hold one directory per resolved commit.
func latestSnapshot(cacheDir string) (string, error) {
	snapshotsDir := filepath.Join(cacheDir, "snapshots")
	entries, err := os.ReadDir(snapshotsDir)
	if err != nil || len(entries) == 0 {
		return "", os.ErrNotExist
	}

	var best os.DirEntry
	var bestModTime int64
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if mt := info.ModTime().Unix(); best == nil || mt > bestModTime {
			best, bestModTime = e, mt
		}
	}
	if best == nil {
		return "", os.ErrNotExist
	}
	return filepath.Join(snapshotsDir, best.Name()), nil
}

// Resolve classifies identifier, in order: a "./"/"../"-prefixed
// relative filesystem path; a bare alias; a local directory name under
// the model root; a Hugging-Face-cache "org/name" repo id. It fails
// with orcherr MODEL.NOT_FOUND if nothing on disk backs the identifier.
func (r *Resolver) Resolve(identifier string) (*ResolvedModel, error) {
	if identifier == "" {
		return nil, orcherr.NewModel(orcherr.CodeEmptyIdentifier, "", "model identifier is empty")
	}

	if isRelativePathPrefix(identifier) {
		abs, err := filepath.Abs(identifier)
		if err != nil {
			return nil, orcherr.NewModel(orcherr.CodeNotFound, identifier, "could not resolve relative path: "+err.Error())
		}
		if _, err := os.Stat(abs); err != nil {
			return nil, orcherr.NewModel(orcherr.CodeNotFound, identifier, "path does not exist: "+abs)
		}
		return &ResolvedModel{CanonicalID: identifier, ModelPath: abs, Source: SourceLocal}, nil
	}

	if canonical, ok := r.lookupAlias(identifier); ok {
		return r.resolveCanonical(canonical)
	}

	return r.resolveCanonical(identifier)
}

// resolveCanonical resolves an already-normalized (non-path) identifier
// against the local model root, then the Hugging Face cache.
func (r *Resolver) resolveCanonical(canonicalID string) (*ResolvedModel, error) {
	if r.modelRoot != "" {
		candidate := filepath.Join(r.modelRoot, canonicalID)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return &ResolvedModel{CanonicalID: canonicalID, ModelPath: candidate, Source: SourceLocal}, nil
		}
	}

	if r.hfCacheRoot != "" && looksLikeHFRepoID(canonicalID) {
		cacheDir := filepath.Join(r.hfCacheRoot, hfCacheDirName(canonicalID))
		if snapshot, err := latestSnapshot(cacheDir); err == nil {
			return &ResolvedModel{CanonicalID: canonicalID, ModelPath: snapshot, Source: SourceHFCache}, nil
		}
	}

	return nil, orcherr.NewModel(orcherr.CodeNotFound, canonicalID, "model not registered")
}
