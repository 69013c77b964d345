package file

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/lakeconnector/pkg/provider"
)

func put(t *testing.T, p *Provider, key, body string) {
	t.Helper()
	require.NoError(t, p.Put(context.Background(), key, strings.NewReader(body), int64(len(body))))
}

func read(t *testing.T, p *Provider, key string) string {
	t.Helper()
	rc, _, err := p.Get(context.Background(), key)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(b)
}

func TestNew_RequiresBaseDir(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestPutGetCopyDelete(t *testing.T) {
	p, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()

	put(t, p, "staging/1/Patient/a.jsonl", "{}\n")
	assert.Equal(t, "{}\n", read(t, p, "staging/1/Patient/a.jsonl"))

	require.NoError(t, p.Copy(ctx, "staging/1/Patient/a.jsonl", "result/Patient/a.jsonl"))
	assert.Equal(t, "{}\n", read(t, p, "result/Patient/a.jsonl"))

	require.NoError(t, p.Delete(ctx, "staging/1/Patient/a.jsonl"))
	require.NoError(t, p.Delete(ctx, "staging/1/Patient/a.jsonl"))

	_, _, err = p.Get(ctx, "staging/1/Patient/a.jsonl")
	assert.True(t, provider.IsNotFound(err))

	err = p.Copy(ctx, "missing", "elsewhere")
	assert.True(t, provider.IsNotFound(err))
}

func TestList_PrefixAndPaging(t *testing.T) {
	p, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()

	for _, k := range []string{"staging/00001/a", "staging/00001/b", "staging/00012/c", "result/x"} {
		put(t, p, k, "x")
	}

	all, err := provider.ListAll(ctx, p, "staging/0001")
	require.NoError(t, err)
	var keys []string
	for _, o := range all {
		keys = append(keys, o.Key)
	}
	assert.Equal(t, []string{"staging/00012/c"}, keys)

	page, err := p.List(ctx, provider.ListOptions{Prefix: "staging/", MaxKeys: 2})
	require.NoError(t, err)
	require.Len(t, page.Objects, 2)
	assert.Equal(t, "staging/00001/b", page.ContinuationToken)

	next, err := p.List(ctx, provider.ListOptions{Prefix: "staging/", MaxKeys: 2, ContinuationToken: page.ContinuationToken})
	require.NoError(t, err)
	require.Len(t, next.Objects, 1)
	assert.Equal(t, "staging/00012/c", next.Objects[0].Key)
	assert.Empty(t, next.ContinuationToken)

	none, err := provider.ListAll(ctx, p, "nothing/here")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestResolve_RejectsTraversal(t *testing.T) {
	p, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	err = p.Put(context.Background(), "../escape", strings.NewReader("x"), 1)
	assert.Error(t, err)
}
