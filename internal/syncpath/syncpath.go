// Package syncpath identifies files inside a replicated directory tree.
package syncpath

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

var (
	// ErrEmptyPath is returned when the relative part of a path is empty.
	ErrEmptyPath = errors.New("relative path is empty")

	// ErrAbsolutePath is returned when the relative part starts with a separator.
	ErrAbsolutePath = errors.New("relative path must not be absolute")

	// ErrEscapesRoot is returned when the relative part walks out of its sync dir.
	ErrEscapesRoot = errors.New("relative path escapes sync dir")

	// ErrRelativeRoot is returned when the sync dir is not absolute.
	ErrRelativeRoot = errors.New("sync dir must be absolute")

	// ErrNotCanonical is returned for paths with redundant elements such as
	// "docs/./a" or "docs//a", which would name one file in several ways.
	ErrNotCanonical = errors.New("path is not canonical")
)

// SyncPath is a file within a replicated root.
//
// RelativePath is always slash separated so that a SyncPath means the same
// file on every node regardless of the local OS. SyncPath is comparable and
// can be used directly as a map key.
type SyncPath struct {
	SyncDir      string `json:"sync_dir"`
	RelativePath string `json:"relative_path"`
}

// New validates and builds a SyncPath.
func New(syncDir, relativePath string) (SyncPath, error) {
	p := SyncPath{
		SyncDir:      filepath.Clean(syncDir),
		RelativePath: filepath.ToSlash(relativePath),
	}
	if p.RelativePath != "" {
		p.RelativePath = path.Clean(p.RelativePath)
	}
	if err := p.Validate(); err != nil {
		return SyncPath{}, err
	}
	return p, nil
}

// FromAbsolute builds a SyncPath for an absolute file path under syncDir.
func FromAbsolute(syncDir, absPath string) (SyncPath, error) {
	rel, err := filepath.Rel(syncDir, absPath)
	if err != nil {
		return SyncPath{}, fmt.Errorf("relativize %s: %w", absPath, err)
	}
	return New(syncDir, rel)
}

// Validate checks the SyncPath invariants. Paths received from other members
// must already be canonical: every file has exactly one SyncPath.
func (p SyncPath) Validate() error {
	if !filepath.IsAbs(p.SyncDir) {
		return fmt.Errorf("%q: %w", p.SyncDir, ErrRelativeRoot)
	}
	if p.SyncDir != filepath.Clean(p.SyncDir) {
		return fmt.Errorf("%q: %w", p.SyncDir, ErrNotCanonical)
	}
	if p.RelativePath == "" || p.RelativePath == "." {
		return ErrEmptyPath
	}
	if strings.HasPrefix(p.RelativePath, "/") || filepath.IsAbs(p.RelativePath) {
		return fmt.Errorf("%q: %w", p.RelativePath, ErrAbsolutePath)
	}
	clean := path.Clean(p.RelativePath)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("%q: %w", p.RelativePath, ErrEscapesRoot)
	}
	if clean != p.RelativePath {
		return fmt.Errorf("%q: %w", p.RelativePath, ErrNotCanonical)
	}
	return nil
}

// Abs returns the local absolute path of the file.
func (p SyncPath) Abs() string {
	return filepath.Join(p.SyncDir, filepath.FromSlash(p.RelativePath))
}

func (p SyncPath) String() string {
	return p.SyncDir + "::" + p.RelativePath
}

// GlobalPath is a SyncPath together with the node that published a request
// for it and the node handling that request.
type GlobalPath struct {
	SendingNode string
	LocalNode   string
	Path        SyncPath
}

// IsLocal reports whether the request originated on the handling node.
func (g GlobalPath) IsLocal() bool {
	return g.SendingNode == g.LocalNode
}

func (g GlobalPath) String() string {
	return g.SendingNode + "->" + g.LocalNode + ":" + g.Path.String()
}

// ErrUnknownRoot is returned for paths outside the configured sync dirs.
var ErrUnknownRoot = errors.New("sync dir not replicated by this node")

// Roots maps the sync dirs named on the wire onto local directories.
//
// Most nodes replicate a dir under the same absolute path everywhere, in which
// case every entry maps onto itself. Nodes sharing one host (tests, local
// clusters) map a common cluster name onto their own directory.
type Roots struct {
	toLocal   map[string]string
	toCluster map[string]string
}

// NewRoots builds Roots from a cluster dir -> local dir map. An empty local
// dir means the cluster dir itself.
func NewRoots(dirs map[string]string) (*Roots, error) {
	r := &Roots{
		toLocal:   make(map[string]string, len(dirs)),
		toCluster: make(map[string]string, len(dirs)),
	}
	for cluster, local := range dirs {
		if local == "" {
			local = cluster
		}
		if !filepath.IsAbs(cluster) {
			return nil, fmt.Errorf("%q: %w", cluster, ErrRelativeRoot)
		}
		if !filepath.IsAbs(local) {
			return nil, fmt.Errorf("%q: %w", local, ErrRelativeRoot)
		}
		cluster, local = filepath.Clean(cluster), filepath.Clean(local)
		if prev, ok := r.toCluster[local]; ok {
			return nil, fmt.Errorf("local dir %s mapped twice (%s, %s)", local, prev, cluster)
		}
		r.toLocal[cluster] = local
		r.toCluster[local] = cluster
	}
	return r, nil
}

// IdentityRoots returns Roots where every dir is known under its own path.
func IdentityRoots(dirs ...string) (*Roots, error) {
	m := make(map[string]string, len(dirs))
	for _, d := range dirs {
		m[d] = d
	}
	return NewRoots(m)
}

// Resolve returns the local absolute path of p.
func (r *Roots) Resolve(p SyncPath) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	local, ok := r.toLocal[p.SyncDir]
	if !ok {
		return "", fmt.Errorf("%s: %w", p.SyncDir, ErrUnknownRoot)
	}
	return SyncPath{SyncDir: local, RelativePath: p.RelativePath}.Abs(), nil
}

// FromLocal converts an absolute local file path into its cluster SyncPath.
func (r *Roots) FromLocal(absPath string) (SyncPath, error) {
	absPath = filepath.Clean(absPath)
	for local, cluster := range r.toCluster {
		rel, err := filepath.Rel(local, absPath)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		return New(cluster, rel)
	}
	return SyncPath{}, fmt.Errorf("%s: %w", absPath, ErrUnknownRoot)
}

// LocalDir returns the local directory of a cluster sync dir.
func (r *Roots) LocalDir(clusterDir string) (string, bool) {
	local, ok := r.toLocal[filepath.Clean(clusterDir)]
	return local, ok
}

// LocalDirs returns every local directory, sorted.
func (r *Roots) LocalDirs() []string {
	dirs := make([]string, 0, len(r.toCluster))
	for local := range r.toCluster {
		dirs = append(dirs, local)
	}
	sort.Strings(dirs)
	return dirs
}
