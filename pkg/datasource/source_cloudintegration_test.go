//go:build cloudintegration

package datasource

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/lakeconnector/pkg/job"
	"github.com/3leaps/lakeconnector/test/cloudtest"
)

func TestSearch_S3Export(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	bucket := cloudtest.CreateBucket(t, ctx)
	resource := func(id string, updated time.Time) map[string]any {
		return map[string]any{
			"resourceType": "Patient",
			"id":           id,
			"meta":         map[string]any{"lastUpdated": updated.Format(time.RFC3339), "versionId": "1"},
		}
	}
	cloudtest.PutNDJSON(t, ctx, bucket, "export/Patient/part-1.ndjson",
		resource("p2", t0.Add(2*time.Hour)),
		resource("p1", t0.Add(time.Hour)),
	)

	s := New(cloudtest.Provider(t, ctx, bucket), Config{Root: "export"})
	window := job.TimeRange{DataEndTime: t0.Add(24 * time.Hour)}

	ids, _ := searchAll(t, s, job.SearchRequest{ResourceType: "Patient", Range: window})
	assert.Equal(t, []string{"p1", "p2"}, ids)

	n, err := s.GetCount(ctx, "Patient", window)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
