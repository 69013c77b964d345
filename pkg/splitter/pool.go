package splitter

import "github.com/3leaps/lakeconnector/pkg/job"

// CandidatePool accumulates small sub jobs until they are worth a processing
// job of their own. It is not safe for concurrent use.
type CandidatePool struct {
	subJobs []job.SubJobInfo
	count   int64
}

// Add appends a sub job and its resource count to the pool.
func (p *CandidatePool) Add(sub job.SubJobInfo) {
	p.subJobs = append(p.subJobs, sub)
	p.count += sub.ResourceCount
}

// ResourceCount is the running total of pooled resources.
func (p *CandidatePool) ResourceCount() int64 {
	return p.count
}

// Len is the number of pooled sub jobs.
func (p *CandidatePool) Len() int {
	return len(p.subJobs)
}

// BuildBatch snapshots the pool into a batch and resets it. An empty pool
// yields a zero-count batch with no sub jobs.
func (p *CandidatePool) BuildBatch() job.SplitProcessingJobInfo {
	batch := job.SplitProcessingJobInfo{
		ResourceCount: p.count,
		SubJobInfos:   p.subJobs,
	}
	if batch.SubJobInfos == nil {
		batch.SubJobInfos = []job.SubJobInfo{}
	}
	p.subJobs = nil
	p.count = 0
	return batch
}
