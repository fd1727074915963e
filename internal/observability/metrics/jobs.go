// Package metrics holds the shared vocabulary for job lifecycle metrics so
// every emitter tags transitions the same way.
package metrics

import (
	"maps"
	"time"

	obserrors "github.com/pagewatch/pagewatch/internal/observability/errors"
	"github.com/pagewatch/pagewatch/internal/observability/statsd"
)

// Result values for the "result" tag.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// JobMetric describes one job lifecycle event.
type JobMetric struct {
	JobType    string
	Transition string
	Result     string
	Duration   time.Duration
	Err        error
}

// EmitJobLifecycle emits the job.transition counter and, when a duration is
// known, the job.duration timer. Errors are labeled with a failure class tag
// so dashboards can split timeouts from database faults.
func EmitJobLifecycle(sink statsd.Sink, in JobMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"job_type":   in.JobType,
		"transition": in.Transition,
		"result":     in.Result,
	}
	if in.Err != nil && in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("job.transition", 1, tags)
	if in.Duration > 0 {
		sink.Timing("job.duration", in.Duration, CloneTags(tags))
	}
}

// CloneTags copies a tag map so callers can emit several metrics from one
// tag set without sharing the map with the sink.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	return maps.Clone(src)
}
