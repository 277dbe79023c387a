package source

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"sigs.k8s.io/yaml"

	"converge/internal/engine"
	"converge/pkg/logging"
)

// GitSource implements engine.Source on top of git repositories.
//
// Each repository is cloned once under baseDir and fetched on every
// resolve. Rendering reads manifest blobs directly from the commit tree, so
// two renders of the same commit are byte-identical and never race with a
// concurrent fetch.
type GitSource struct {
	baseDir string

	mu    sync.Mutex
	repos map[string]*repoHandle
}

// repoHandle serializes git operations per repository.
type repoHandle struct {
	mu   sync.Mutex
	repo *git.Repository
}

// NewGitSource creates a GitSource cloning repositories under baseDir.
func NewGitSource(baseDir string) *GitSource {
	return &GitSource{
		baseDir: baseDir,
		repos:   make(map[string]*repoHandle),
	}
}

// ResolveRevision fetches the repository and resolves the target's revision
// reference (branch, tag, or full/abbreviated commit hash) to a commit hash.
func (g *GitSource) ResolveRevision(ctx context.Context, target engine.Target) (string, error) {
	h, err := g.open(ctx, target.RepoURL)
	if err != nil {
		return "", err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := g.fetch(ctx, h.repo, target.RepoURL); err != nil {
		return "", err
	}

	hash, err := resolveRef(h.repo, target.Revision)
	if err != nil {
		return "", engine.Errorf(engine.KindRevisionNotFound,
			"revision %q not found in %s: %v", target.Revision, target.RepoURL, err)
	}
	return hash.String(), nil
}

// Render reads the manifest files beneath the target's path at the given
// commit and decodes them into unstructured objects, ordered by file name
// and document position.
func (g *GitSource) Render(ctx context.Context, target engine.Target, revision string) ([]*unstructured.Unstructured, error) {
	h, err := g.open(ctx, target.RepoURL)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	commit, err := h.repo.CommitObject(plumbing.NewHash(revision))
	if err != nil {
		return nil, engine.Errorf(engine.KindRevisionNotFound, "commit %s not found: %v", revision, err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, engine.NewError(engine.KindRenderError, err)
	}

	files, err := manifestFiles(tree, target.Path)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		logging.Warn("Source", "No manifest files under %q in %s@%s", target.Path, target.RepoURL, revision)
	}

	var objects []*unstructured.Unstructured
	for _, f := range files {
		docs, err := decodeFile(f)
		if err != nil {
			return nil, err
		}
		objects = append(objects, docs...)
	}
	return objects, nil
}

// open returns the handle for a repository, cloning it on first use.
func (g *GitSource) open(ctx context.Context, repoURL string) (*repoHandle, error) {
	g.mu.Lock()
	h, ok := g.repos[repoURL]
	if !ok {
		h = &repoHandle{}
		g.repos[repoURL] = h
	}
	g.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.repo != nil {
		return h, nil
	}

	dir := path.Join(g.baseDir, repoDirName(repoURL))
	repo, err := git.PlainOpen(dir)
	if err == git.ErrRepositoryNotExists {
		logging.Info("Source", "Cloning %s into %s", repoURL, dir)
		repo, err = git.PlainCloneContext(ctx, dir, true, &git.CloneOptions{
			URL:  repoURL,
			Tags: git.AllTags,
		})
	}
	if err != nil {
		return nil, engine.Errorf(engine.KindSourceUnreachable, "clone %s: %v", repoURL, err)
	}
	h.repo = repo
	return h, nil
}

func (g *GitSource) fetch(ctx context.Context, repo *git.Repository, repoURL string) error {
	err := repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: "origin",
		Force:      true,
		Tags:       git.AllTags,
	})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return engine.Errorf(engine.KindSourceUnreachable, "fetch %s: %v", repoURL, err)
	}
	return nil
}

// resolveRef tries, in order: full commit hash, remote branch, tag, then any
// revision expression go-git understands (short hashes included).
func resolveRef(repo *git.Repository, revision string) (plumbing.Hash, error) {
	if isFullHash(revision) {
		hash := plumbing.NewHash(revision)
		if _, err := repo.CommitObject(hash); err == nil {
			return hash, nil
		}
	}

	candidates := []string{
		"refs/remotes/origin/" + revision,
		"refs/tags/" + revision,
		"refs/heads/" + revision,
		revision,
	}
	var lastErr error
	for _, c := range candidates {
		hash, err := repo.ResolveRevision(plumbing.Revision(c))
		if err == nil {
			return *hash, nil
		}
		lastErr = err
	}
	return plumbing.ZeroHash, lastErr
}

var hexHash = regexp.MustCompile(`^[0-9a-f]{40}$`)

func isFullHash(s string) bool {
	return hexHash.MatchString(s)
}

// manifestFile is a YAML file read out of a commit tree.
type manifestFile struct {
	path    string
	content string
}

// manifestFiles collects .yaml/.yml blobs beneath dir, sorted by path.
func manifestFiles(tree *object.Tree, dir string) ([]manifestFile, error) {
	prefix := strings.Trim(dir, "/")
	if prefix != "" {
		sub, err := tree.Tree(prefix)
		if err != nil {
			return nil, engine.Errorf(engine.KindRenderError, "path %q not found in revision", dir)
		}
		tree = sub
	}

	var files []manifestFile
	err := tree.Files().ForEach(func(f *object.File) error {
		ext := path.Ext(f.Name)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		content, err := f.Contents()
		if err != nil {
			return err
		}
		files = append(files, manifestFile{path: path.Join(prefix, f.Name), content: content})
		return nil
	})
	if err != nil && err != io.EOF {
		return nil, engine.NewError(engine.KindRenderError, err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].path < files[j].path })
	return files, nil
}

var docSeparator = regexp.MustCompile(`(?m)^---\s*$`)

// decodeFile splits a multi-document YAML file and decodes each document
// into an unstructured object. Empty documents are skipped; documents
// missing kind or apiVersion are render errors.
func decodeFile(f manifestFile) ([]*unstructured.Unstructured, error) {
	var objects []*unstructured.Unstructured
	for i, doc := range docSeparator.Split(f.content, -1) {
		doc = strings.TrimSpace(doc)
		if doc == "" {
			continue
		}

		jsonData, err := yaml.YAMLToJSON([]byte(doc))
		if err != nil {
			return nil, engine.Errorf(engine.KindRenderError, "%s doc #%d: %v", f.path, i+1, err)
		}
		if string(jsonData) == "null" {
			// Comment-only document.
			continue
		}

		obj := &unstructured.Unstructured{}
		if err := obj.UnmarshalJSON(jsonData); err != nil {
			return nil, engine.Errorf(engine.KindRenderError, "%s doc #%d: %v", f.path, i+1, err)
		}
		if obj.GetKind() == "" || obj.GetAPIVersion() == "" {
			return nil, engine.Errorf(engine.KindRenderError,
				"%s doc #%d: missing kind or apiVersion", f.path, i+1)
		}
		objects = append(objects, obj)
	}
	return objects, nil
}

// repoDirName derives a stable directory name for a repository URL.
func repoDirName(repoURL string) string {
	sum := sha1.Sum([]byte(repoURL))
	base := strings.TrimSuffix(path.Base(repoURL), ".git")
	if base == "" || base == "." || base == "/" {
		base = "repo"
	}
	return fmt.Sprintf("%s-%s", base, hex.EncodeToString(sum[:6]))
}
