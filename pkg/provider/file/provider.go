// Package file implements provider.Provider over a local directory. It backs
// single-node deployments and tests.
package file

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/3leaps/lakeconnector/pkg/provider"
)

var _ provider.Provider = (*Provider)(nil)

// Provider maps keys to slash-separated paths under a base directory.
type Provider struct {
	baseDir string
}

type Config struct {
	BaseDir string
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseDir) == "" {
		return fmt.Errorf("base dir is required")
	}
	return nil
}

func New(cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Provider{baseDir: filepath.Clean(cfg.BaseDir)}, nil
}

func (p *Provider) Close() error { return nil }

// List walks the directory under prefix. Keys are returned in lexical order;
// the continuation token is the last key of the previous page.
func (p *Provider) List(ctx context.Context, opts provider.ListOptions) (*provider.ListResult, error) {
	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = 1000
	}

	keys, err := p.keysWithPrefix(ctx, strings.TrimPrefix(opts.Prefix, "/"))
	if err != nil {
		return nil, p.wrapError("List", opts.Prefix, err)
	}

	start := 0
	if opts.ContinuationToken != "" {
		start = sort.Search(len(keys), func(i int) bool { return keys[i] > opts.ContinuationToken })
	}
	end := min(start+maxKeys, len(keys))

	res := &provider.ListResult{Objects: make([]provider.ObjectSummary, 0, end-start)}
	for _, k := range keys[start:end] {
		st, err := os.Stat(p.path(k))
		if err != nil || st.IsDir() {
			continue
		}
		res.Objects = append(res.Objects, provider.ObjectSummary{Key: k, Size: st.Size(), LastModified: st.ModTime().UTC()})
	}
	if end < len(keys) {
		res.ContinuationToken = keys[end-1]
	}
	return res, nil
}

func (p *Provider) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	full, err := p.resolve(key)
	if err != nil {
		return nil, 0, p.wrapError("Get", key, err)
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, 0, p.wrapError("Get", key, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, p.wrapError("Get", key, err)
	}
	if st.IsDir() {
		_ = f.Close()
		return nil, 0, p.wrapError("Get", key, provider.ErrNotFound)
	}
	return f, st.Size(), nil
}

// Put writes through a temp file and renames it into place, so readers never
// observe a partial object.
func (p *Provider) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	full, err := p.resolve(key)
	if err != nil {
		return p.wrapError("Put", key, err)
	}
	// #nosec G301 -- lake directories are shared with downstream readers
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return p.wrapError("Put", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".lakeconnector-put-*")
	if err != nil {
		return p.wrapError("Put", key, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := io.Copy(tmp, body); err != nil {
		return p.wrapError("Put", key, err)
	}
	if err := tmp.Close(); err != nil {
		return p.wrapError("Put", key, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return p.wrapError("Put", key, err)
	}
	return nil
}

func (p *Provider) Copy(ctx context.Context, srcKey, dstKey string) error {
	body, size, err := p.Get(ctx, srcKey)
	if err != nil {
		return err
	}
	defer func() { _ = body.Close() }()
	return p.Put(ctx, dstKey, body, size)
}

func (p *Provider) Delete(ctx context.Context, key string) error {
	full, err := p.resolve(key)
	if err != nil {
		return p.wrapError("Delete", key, err)
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return p.wrapError("Delete", key, err)
	}
	return nil
}

// resolve maps a key to a path, rejecting keys that escape the base dir.
func (p *Provider) resolve(key string) (string, error) {
	clean := strings.TrimPrefix(filepath.Clean("/"+strings.TrimSpace(key)), "/")
	if clean == "" || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return p.path(clean), nil
}

func (p *Provider) path(key string) string {
	return filepath.Join(p.baseDir, filepath.FromSlash(key))
}

// keysWithPrefix walks from the deepest directory the prefix names and
// filters on the full key, so "staging/0001" matches "staging/00012/...".
func (p *Provider) keysWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	root := p.baseDir
	if dir := prefix[:strings.LastIndex(prefix, "/")+1]; dir != "" {
		root = p.path(strings.TrimSuffix(dir, "/"))
	}
	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var keys []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".lakeconnector-put-") {
			return nil
		}
		rel, err := filepath.Rel(p.baseDir, path)
		if err != nil {
			return err
		}
		if key := filepath.ToSlash(rel); strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (p *Provider) wrapError(op, key string, err error) error {
	wrapped := &provider.Error{Op: op, Provider: provider.ProviderFile, Key: key, Err: err}
	switch {
	case os.IsNotExist(err):
		wrapped.Err = provider.ErrNotFound
	case os.IsPermission(err):
		wrapped.Err = provider.ErrAccessDenied
	}
	return wrapped
}
