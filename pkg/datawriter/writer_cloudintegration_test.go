//go:build cloudintegration

package datawriter

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/lakeconnector/pkg/job"
	"github.com/3leaps/lakeconnector/pkg/lease"
	"github.com/3leaps/lakeconnector/pkg/metastore"
	"github.com/3leaps/lakeconnector/test/cloudtest"
)

func TestCommit_S3(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	bucketName := cloudtest.CreateBucket(t, ctx)
	store := cloudtest.Provider(t, ctx, bucketName)

	meta, err := metastore.Open(ctx, metastore.Config{Path: filepath.Join(t.TempDir(), "meta.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })
	leases, err := lease.New(ctx, meta.DB())
	require.NoError(t, err)

	w := New(store, leases, Config{Retry: fastRetry()})
	for part := range 2 {
		_, err := w.Write(ctx, []job.Record{{"part": part}}, 11, "Patient", part, bucket)
		require.NoError(t, err)
	}
	require.NoError(t, w.CommitJobData(ctx, 11, map[string]int{"Patient": 2}))

	assert.Equal(t, []string{
		"result/Patient/2024/05/17/00000000000000000011/Patient_00000000000000000011_00000.jsonl",
		"result/Patient/2024/05/17/00000000000000000011/Patient_00000000000000000011_00001.jsonl",
	}, cloudtest.Keys(t, ctx, bucketName, "result/"))
	assert.Empty(t, cloudtest.Keys(t, ctx, bucketName, w.JobPrefix(11)))
}
