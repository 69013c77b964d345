package jobconfig

import (
	"fmt"
	"maps"
	"slices"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/3leaps/lakeconnector/pkg/job"
)

// TypeFilters expands the configured type filters against the resource
// types the converter knows. Entries may be glob patterns; a pattern expands
// to the matching known types in sorted order. A type matched by several
// entries keeps the first. With no entries every known type is exported.
func (c *Config) TypeFilters(known []string) ([]job.TypeFilter, error) {
	known = slices.Sorted(slices.Values(known))
	if len(c.Filter.Types) == 0 {
		out := make([]job.TypeFilter, 0, len(known))
		for _, rt := range known {
			out = append(out, job.TypeFilter{ResourceType: rt})
		}
		return out, nil
	}

	seen := make(map[string]bool, len(known))
	var out []job.TypeFilter
	for i, tf := range c.Filter.Types {
		if !doublestar.ValidatePattern(tf.ResourceType) {
			return nil, fmt.Errorf("filter.types[%d]: invalid pattern %q", i, tf.ResourceType)
		}
		matched := 0
		for _, rt := range known {
			ok, err := doublestar.Match(tf.ResourceType, rt)
			if err != nil {
				return nil, fmt.Errorf("filter.types[%d]: %w", i, err)
			}
			if !ok {
				continue
			}
			matched++
			if seen[rt] {
				continue
			}
			seen[rt] = true
			out = append(out, job.TypeFilter{ResourceType: rt, Parameters: maps.Clone(tf.Parameters)})
		}
		if matched == 0 {
			return nil, fmt.Errorf("filter.types[%d]: no supported resource type matches %q", i, tf.ResourceType)
		}
	}
	return out, nil
}
