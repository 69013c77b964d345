package datasource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/lakeconnector/pkg/job"
)

// ErrGroupNotFound is returned when the requested root group does not exist.
var ErrGroupNotFound = errors.New("group not found")

var referencePattern = regexp.MustCompile(`(?:^|/)([A-Z][A-Za-z]+)/([A-Za-z0-9\-.]{1,64})(?:/_history/[A-Za-z0-9\-.]{1,64})?$`)

// parseReference returns the id of a reference to resourceType. Relative
// ("Patient/1"), versioned and absolute references are accepted.
func parseReference(ref, resourceType string) (string, bool) {
	m := referencePattern.FindStringSubmatch(ref)
	if m == nil || m[1] != resourceType {
		return "", false
	}
	return m[2], true
}

type groupResource struct {
	ID     string        `json:"id"`
	Member []groupMember `json:"member"`
}

type groupMember struct {
	Entity   reference `json:"entity"`
	Inactive *bool     `json:"inactive"`
	Period   *struct {
		Start string `json:"start"`
		End   string `json:"end"`
	} `json:"period"`
}

// activeAt reports whether the member belongs to the group at t.
func (m groupMember) activeAt(t time.Time) bool {
	if m.Inactive != nil && *m.Inactive {
		return false
	}
	if m.Period == nil {
		return true
	}
	if m.Period.End != "" {
		if end, err := parseFHIRTime(m.Period.End); err == nil && !end.After(t) {
			return false
		}
	}
	if m.Period.Start != "" {
		if start, err := parseFHIRTime(m.Period.Start); err == nil && !start.Before(t) {
			return false
		}
	}
	return true
}

// parseFHIRTime accepts the dateTime precisions FHIR allows.
func parseFHIRTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02", "2006-01", "2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported dateTime %q", s)
}

var _ job.GroupMemberExtractor = (*Source)(nil)

// GroupPatients returns the sorted ids of patients in the group at asOf,
// expanding nested groups. Missing nested groups are skipped.
func (s *Source) GroupPatients(ctx context.Context, groupID string, asOf time.Time) ([]string, error) {
	entries, err := s.load(ctx, "Group")
	if err != nil {
		return nil, err
	}
	groups := make(map[string]json.RawMessage, len(entries))
	for _, e := range entries {
		// Entries are in lastUpdated order, so the newest version wins.
		groups[e.id] = e.raw
	}

	patients := map[string]struct{}{}
	visited := map[string]struct{}{}
	if err := s.expandGroup(groups, groupID, asOf, true, visited, patients); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(patients))
	for id := range patients {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Source) expandGroup(groups map[string]json.RawMessage, groupID string, asOf time.Time, root bool, visited, patients map[string]struct{}) error {
	visited[groupID] = struct{}{}

	raw, ok := groups[groupID]
	if !ok {
		if root {
			return fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
		}
		s.log.Warn("nested group not found", zap.String("group_id", groupID))
		return nil
	}
	var g groupResource
	if err := json.Unmarshal(raw, &g); err != nil {
		return fmt.Errorf("%w: group %s: %v", ErrMalformedRecord, groupID, err)
	}

	for _, m := range g.Member {
		if !m.activeAt(asOf) {
			continue
		}
		if id, ok := parseReference(m.Entity.Reference, "Patient"); ok {
			if _, dup := patients[id]; dup {
				s.log.Debug("duplicate group member", zap.String("group_id", groupID), zap.String("patient_id", id))
			}
			patients[id] = struct{}{}
			continue
		}
		if id, ok := parseReference(m.Entity.Reference, "Group"); ok {
			if _, seen := visited[id]; seen {
				continue
			}
			if err := s.expandGroup(groups, id, asOf, false, visited, patients); err != nil {
				return err
			}
		}
	}
	return nil
}
