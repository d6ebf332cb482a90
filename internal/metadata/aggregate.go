package metadata

import (
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/state"
)

// AggregateRunMetadata summarises a run for API responses: stage outcomes,
// evidence counts by kind, citation stats and duration.
// Returns an empty map for a nil state.
func AggregateRunMetadata(rs *state.RunState) map[string]interface{} {
	meta := make(map[string]interface{})
	if rs == nil {
		return meta
	}

	meta["run_id"] = rs.RunID

	completed, errored, cancelled := 0, 0, 0
	for _, rec := range rs.Log {
		switch rec.Status {
		case state.StatusCompleted:
			completed++
		case state.StatusError:
			errored++
		case state.StatusCancelled:
			cancelled++
		}
	}
	meta["stages_completed"] = completed
	meta["stages_errored"] = errored
	if cancelled > 0 {
		meta["cancelled"] = true
	}
	meta["revisions"] = len(rs.Revisions)

	if n := len(rs.Log); n > 0 {
		meta["duration_ms"] = rs.Log[n-1].Timestamp.Sub(rs.StartedAt).Milliseconds()
	}

	if plan := rs.SearchPlan(); plan != nil {
		counts := map[string]int{}
		failed := map[string]int{}
		for _, ev := range plan.Evidence() {
			kind := string(ev.Kind())
			counts[kind]++
			if ev.Failed() {
				failed[kind]++
			}
		}
		meta["evidence"] = counts
		if len(failed) > 0 {
			meta["evidence_failed"] = failed
		}
		meta["warehouse_status"] = string(plan.Warehouse.Status)
		if plan.Warehouse.Skipped > 0 {
			meta["warehouse_probes_skipped"] = plan.Warehouse.Skipped
		}
	}

	if review := rs.Review(); review != nil {
		meta["quality_score"] = review.QualityScore
	}

	if d := rs.Deliverable(); d != nil {
		bib := d.Citations.Bibliography
		publishers := make(map[string]struct{}, len(bib))
		for _, e := range bib {
			publishers[e.Publisher] = struct{}{}
		}
		meta["citations"] = len(bib)
		meta["unique_publishers"] = len(publishers)
		meta["source_diversity"] = CalculateSourceDiversity(bib)
	}

	return meta
}
