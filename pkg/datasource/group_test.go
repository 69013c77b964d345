package datasource

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// compact folds a readable multi-line resource into one NDJSON line.
func compact(s string) string {
	return strings.NewReplacer("\n", "", "\t", "").Replace(s)
}

func TestParseReference(t *testing.T) {
	cases := []struct {
		ref, resourceType, id string
		ok                    bool
	}{
		{"Patient/123", "Patient", "123", true},
		{"Patient/a-b.c/_history/2", "Patient", "a-b.c", true},
		{"https://fhir.example.org/r4/Patient/p9", "Patient", "p9", true},
		{"Group/g1", "Patient", "", false},
		{"Group/g1", "Group", "g1", true},
		{"#contained", "Patient", "", false},
		{"", "Patient", "", false},
	}
	for _, tc := range cases {
		id, ok := parseReference(tc.ref, tc.resourceType)
		assert.Equal(t, tc.ok, ok, tc.ref)
		assert.Equal(t, tc.id, id, tc.ref)
	}
}

func TestGroupPatients(t *testing.T) {
	store := newTestStore(t)
	put(t, store, "Group/groups.ndjson",
		compact(`{"resourceType":"Group","id":"root","meta":{"lastUpdated":"2024-01-01T00:00:00Z"},"member":[
			{"entity":{"reference":"Patient/p1"}},
			{"entity":{"reference":"Patient/p2"},"inactive":true},
			{"entity":{"reference":"Patient/p3"},"period":{"end":"2024-02-01"}},
			{"entity":{"reference":"Patient/p4"},"period":{"start":"2024-06-01T00:00:00Z"}},
			{"entity":{"reference":"Device/d1"}},
			{"entity":{"reference":"Group/nested"}},
			{"entity":{"reference":"Group/missing"}}
		]}`),
		compact(`{"resourceType":"Group","id":"nested","meta":{"lastUpdated":"2024-01-01T00:00:00Z"},"member":[
			{"entity":{"reference":"Patient/p1"}},
			{"entity":{"reference":"Patient/p5"}},
			{"entity":{"reference":"Group/root"}}
		]}`),
	)

	s := New(store, Config{})
	asOf := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	patients, err := s.GroupPatients(context.Background(), "root", asOf)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p5"}, patients)

	later, err := s.GroupPatients(context.Background(), "root", time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p4", "p5"}, later)
}

func TestGroupPatients_LatestVersionWins(t *testing.T) {
	store := newTestStore(t)
	put(t, store, "Group/v.ndjson",
		`{"resourceType":"Group","id":"g","meta":{"lastUpdated":"2024-01-02T00:00:00Z"},"member":[{"entity":{"reference":"Patient/new"}}]}`,
		`{"resourceType":"Group","id":"g","meta":{"lastUpdated":"2024-01-01T00:00:00Z"},"member":[{"entity":{"reference":"Patient/old"}}]}`,
	)
	s := New(store, Config{})

	patients, err := s.GroupPatients(context.Background(), "g", t0)
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, patients)
}

func TestGroupPatients_RootNotFound(t *testing.T) {
	s := New(newTestStore(t), Config{})
	_, err := s.GroupPatients(context.Background(), "nope", t0)
	assert.ErrorIs(t, err, ErrGroupNotFound)
}
