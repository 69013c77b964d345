package orchestrator

import (
	"context"
	"errors"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/lakeconnector/pkg/job"
	"github.com/3leaps/lakeconnector/pkg/retry"
)

func (r *run) resourceTypes() []string {
	types := make([]string, 0, len(r.def.TypeFilters))
	for _, tf := range r.def.TypeFilters {
		types = append(types, tf.ResourceType)
	}
	return types
}

// splitByCount submits one processing job per split batch. Types without
// resources in their window only advance their submitted timestamp.
func (r *run) splitByCount(ctx context.Context) error {
	s := r.status()
	err := r.splitter.Split(ctx, r.resourceTypes(), r.def.DataStartTime, r.def.DataEndTime, s.SubmittedResourceTimestamps,
		func(batch job.SplitProcessingJobInfo) error {
			if batch.ResourceCount == 0 {
				for _, sub := range batch.SubJobInfos {
					s.SubmittedResourceTimestamps[sub.ResourceType] = sub.TimeRange.DataEndTime.UTC()
				}
				return nil
			}
			pd := r.newProcessing()
			pd.SplitProcessingJobInfo = &batch
			return r.submit(ctx, pd, "")
		})
	if err != nil {
		if ctx.Err() != nil && job.KindOf(err) != job.KindFatal {
			return job.Cancelled("split", context.Cause(ctx))
		}
		var je *job.Error
		if errors.As(err, &je) {
			return err
		}
		return job.Retryable("split", err)
	}
	return nil
}

// splitByTimespan is the V1..V3 split: consecutive fixed-length windows
// starting at the earliest resource after the previous window.
func (r *run) splitByTimespan(ctx context.Context) error {
	s := r.status()
	end := r.def.DataEndTime

	interval := r.cfg.IncrementalInterval
	if r.def.DataStartTime == nil || r.def.DataStartTime.Add(legacyInitialThreshold).Before(end) {
		interval = r.cfg.InitialInterval
	}

	for s.NextJobTimestamp == nil || s.NextJobTimestamp.Before(end) {
		lastEnd := s.NextJobTimestamp
		if lastEnd == nil {
			lastEnd = r.def.DataStartTime
		}
		next, err := r.nextTimestamp(ctx, lastEnd, end)
		if err != nil {
			return err
		}
		if next == nil {
			s.NextJobTimestamp = job.TimePtr(end)
			break
		}

		jobEnd := next.Add(interval)
		if jobEnd.After(end) {
			jobEnd = end
		}
		// V1 starts at the next resource; later versions close the gap from
		// the previous window's end.
		jobStart := lastEnd
		if r.def.JobVersion == job.V1 {
			jobStart = next
		}

		pd := r.newProcessing()
		pd.DataStartTime = jobStart
		pd.DataEndTime = jobEnd.UTC()
		s.NextJobTimestamp = job.TimePtr(jobEnd)
		if err := r.submit(ctx, pd, ""); err != nil {
			return err
		}
	}
	return nil
}

// nextTimestamp returns the earliest last-updated time of any configured
// type in [start, end), or nil when there is none.
func (r *run) nextTimestamp(ctx context.Context, start *time.Time, end time.Time) (*time.Time, error) {
	window := job.TimeRange{DataStartTime: start, DataEndTime: end}
	var earliest *time.Time
	for _, resourceType := range r.resourceTypes() {
		ts, err := retry.Do(ctx, "boundary "+resourceType, r.cfg.Retry, func(ctx context.Context) (*time.Time, error) {
			return r.deps.Source.BoundaryTimestamp(ctx, resourceType, window, false)
		})
		if err != nil {
			return nil, err
		}
		if ts != nil && (earliest == nil || ts.Before(*earliest)) {
			earliest = job.TimePtr(*ts)
		}
	}
	return earliest, nil
}

// splitByPatients submits the group's patients in fixed-size batches,
// resuming at NextPatientIndex.
func (r *run) splitByPatients(ctx context.Context) error {
	patients, err := r.patients(ctx)
	if err != nil {
		return err
	}
	s := r.status()
	for s.NextPatientIndex < len(patients) {
		upper := min(s.NextPatientIndex+r.cfg.PatientsPerProcessingJob, len(patients))
		pd := r.newProcessing()
		pd.ToBeProcessedPatients = slices.Clone(patients[s.NextPatientIndex:upper])
		s.NextPatientIndex = upper
		if err := r.submit(ctx, pd, ""); err != nil {
			return err
		}
	}
	return nil
}

// patients lists the group members as of DataEndTime, ordered by hash, with
// their last processed versions.
func (r *run) patients(ctx context.Context) ([]job.PatientWrapper, error) {
	if r.deps.Members == nil {
		return nil, job.Fatal("orchestrator", errors.New("group scope requires a group member extractor"))
	}
	ids, err := retry.Do(ctx, "group members", r.cfg.Retry, func(ctx context.Context) ([]string, error) {
		return r.deps.Members.GroupPatients(ctx, r.def.GroupID, r.def.DataEndTime)
	})
	if err != nil {
		return nil, err
	}

	hashes := make([]string, 0, len(ids))
	for _, id := range ids {
		hashes = append(hashes, job.PatientHash(id))
	}
	slices.Sort(hashes)
	hashes = slices.Compact(hashes)

	versions, err := retry.Do(ctx, "patient versions", r.cfg.Retry, func(ctx context.Context) (map[string]int64, error) {
		return r.deps.Store.GetPatientVersions(ctx, r.info.QueueType, hashes)
	})
	if err != nil {
		return nil, err
	}

	out := make([]job.PatientWrapper, len(hashes))
	newPatients := 0
	for i, h := range hashes {
		out[i] = job.PatientWrapper{PatientHash: h, VersionID: versions[h]}
		if versions[h] == 0 {
			newPatients++
		}
	}
	r.log.Info("extracted group patients",
		zap.String("group_id", r.def.GroupID),
		zap.Int("patients", len(out)),
		zap.Int("new_patients", newPatients))
	return out, nil
}
