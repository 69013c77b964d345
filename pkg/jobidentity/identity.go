// Package jobidentity derives stable, content-based identifiers for job
// definitions. Only the identifier properties registered for a definition's
// (JobType, JobVersion) participate, so fields added later, or fields that
// vary between submissions of the same logical job, do not change the
// identifier.
package jobidentity

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/3leaps/lakeconnector/pkg/job"
)

// Property names as serialized in job definitions.
const (
	PropJobType                 = "JobType"
	PropTriggerSequenceID       = "TriggerSequenceId"
	PropProcessingJobSequenceID = "ProcessingJobSequenceId"
	PropSince                   = "Since"
	PropDataStartTime           = "DataStartTime"
	PropDataEndTime             = "DataEndTime"
	PropToBeProcessedPatients   = "ToBeProcessedPatients"
	PropSplitProcessingJobInfo  = "SplitProcessingJobInfo"
)

// The lists are append-only per version: changing an existing list changes
// the identifiers of jobs already in flight.
var (
	orchestratorV1 = []string{PropJobType, PropTriggerSequenceID, PropSince, PropDataStartTime, PropDataEndTime}
	orchestratorV2 = []string{PropJobType, PropTriggerSequenceID, PropSince, PropDataStartTime}

	processingV1 = []string{PropJobType, PropTriggerSequenceID, PropProcessingJobSequenceID, PropSince, PropDataStartTime, PropDataEndTime, PropToBeProcessedPatients}
	processingV2 = []string{PropJobType, PropTriggerSequenceID, PropProcessingJobSequenceID, PropSince, PropDataStartTime, PropToBeProcessedPatients}
	processingV4 = []string{PropJobType, PropTriggerSequenceID, PropProcessingJobSequenceID, PropSince, PropDataStartTime, PropToBeProcessedPatients, PropSplitProcessingJobInfo}
)

var identifierProperties = map[job.Type]map[job.Version][]string{
	job.TypeOrchestrator: {
		job.V1: orchestratorV1,
		job.V2: orchestratorV2,
		job.V3: orchestratorV2,
		job.V4: orchestratorV2,
	},
	job.TypeProcessing: {
		job.V1: processingV1,
		job.V2: processingV2,
		job.V3: processingV2,
		job.V4: processingV4,
	},
}

// ErrUnsupportedVersion is returned for a version without a property list.
var ErrUnsupportedVersion = errors.New("unsupported job version")

// Properties returns the identifier properties for a job type and version.
func Properties(t job.Type, v job.Version) ([]string, error) {
	byVersion, ok := identifierProperties[t]
	if !ok {
		return nil, fmt.Errorf("unknown job type %q", t)
	}
	props, ok := byVersion[v]
	if !ok {
		return nil, fmt.Errorf("%w: %s v%d", ErrUnsupportedVersion, t, v)
	}
	out := make([]string, len(props))
	copy(out, props)
	return out, nil
}

// Identifier is the result of ComputeIdentifier.
type Identifier struct {
	// Value is the hex-encoded SHA-256 of the canonical identity payload.
	Value string

	// Degraded is set when the definition could not be parsed as either job
	// shape and the raw definition text was hashed instead. Degraded
	// identifiers are stable but do not deduplicate equivalent definitions.
	Degraded bool

	// Reason explains a degraded identifier.
	Reason error
}

// ComputeIdentifier derives the identifier of a serialized job definition.
func ComputeIdentifier(definition string) Identifier {
	canonical, err := canonicalize(definition)
	if err != nil {
		return Identifier{Value: hash([]byte(definition)), Degraded: true, Reason: err}
	}
	return Identifier{Value: hash(canonical)}
}

// Canonical returns the canonical identity payload of a definition, or an
// error when it would produce a degraded identifier.
func Canonical(definition string) ([]byte, error) {
	return canonicalize(definition)
}

func canonicalize(definition string) ([]byte, error) {
	var typed any
	var jobType job.Type
	var version job.Version

	if def, err := job.DecodeOrchestrator(definition); err == nil {
		typed, jobType, version = def, def.JobType, def.JobVersion
	} else if def, perr := job.DecodeProcessing(definition); perr == nil {
		typed, jobType, version = def, def.JobType, def.JobVersion
	} else {
		return nil, errors.Join(err, perr)
	}

	props, err := Properties(jobType, version)
	if err != nil {
		return nil, err
	}

	// Round-trip through the typed struct so nested values and timestamps
	// serialize the same way regardless of the submitted text.
	normalized, err := json.Marshal(typed)
	if err != nil {
		return nil, fmt.Errorf("marshal definition: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(normalized, &fields); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}

	var b bytes.Buffer
	b.WriteByte('{')
	for i, name := range props {
		if i > 0 {
			b.WriteByte(',')
		}
		key, _ := json.Marshal(name)
		b.Write(key)
		b.WriteByte(':')
		value, ok := fields[name]
		if !ok {
			value = json.RawMessage("null")
		}
		if err := json.Compact(&b, value); err != nil {
			return nil, fmt.Errorf("compact %s: %w", name, err)
		}
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}

func hash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
