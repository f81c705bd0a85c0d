package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
)

var (
	datasetsSubmitted  atomic.Int64
	datasetsNormalized atomic.Int64
	datasetsFailed     atomic.Int64
	jobsInFlight       atomic.Int64
	rowsTotal          atomic.Int64
	rowsNormalized     atomic.Int64
	rowsDropped        atomic.Int64
	persistAttempts    atomic.Int64
	persistRetries     atomic.Int64
	jobsDispatched     atomic.Int64
	dispatchFailed     atomic.Int64
)

func ObserveSubmitted() {
	datasetsSubmitted.Add(1)
}

func ObserveDispatch(err error) {
	if err != nil {
		dispatchFailed.Add(1)
		return
	}
	jobsDispatched.Add(1)
}

// JobStarted marks a job as running and returns the func that ends it.
func JobStarted() func() {
	jobsInFlight.Add(1)
	return func() { jobsInFlight.Add(-1) }
}

func ObserveOutcome(normalized bool, total, ok, dropped int) {
	if normalized {
		datasetsNormalized.Add(1)
	} else {
		datasetsFailed.Add(1)
	}
	rowsTotal.Add(int64(total))
	rowsNormalized.Add(int64(ok))
	rowsDropped.Add(int64(dropped))
}

func ObservePersistAttempt(attempt int) {
	persistAttempts.Add(1)
	if attempt > 1 {
		persistRetries.Add(1)
	}
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	DatasetsSubmitted  int64
	DatasetsNormalized int64
	DatasetsFailed     int64
	JobsInFlight       int64
	RowsTotal          int64
	RowsNormalized     int64
	RowsDropped        int64
	PersistAttempts    int64
	PersistRetries     int64
	JobsDispatched     int64
	DispatchFailed     int64
}

func Read() Snapshot {
	return Snapshot{
		DatasetsSubmitted:  datasetsSubmitted.Load(),
		DatasetsNormalized: datasetsNormalized.Load(),
		DatasetsFailed:     datasetsFailed.Load(),
		JobsInFlight:       jobsInFlight.Load(),
		RowsTotal:          rowsTotal.Load(),
		RowsNormalized:     rowsNormalized.Load(),
		RowsDropped:        rowsDropped.Load(),
		PersistAttempts:    persistAttempts.Load(),
		PersistRetries:     persistRetries.Load(),
		JobsDispatched:     jobsDispatched.Load(),
		DispatchFailed:     dispatchFailed.Load(),
	}
}

func WritePrometheus(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	writeText(w, Read())
}

func writeText(w io.Writer, s Snapshot) {
	metric(w, "mdf_datasets_submitted_total", "counter", "Datasets accepted for processing.", s.DatasetsSubmitted)
	metric(w, "mdf_datasets_normalized_total", "counter", "Datasets that finished in the normalized state.", s.DatasetsNormalized)
	metric(w, "mdf_datasets_failed_total", "counter", "Datasets that finished in the failed state.", s.DatasetsFailed)
	metric(w, "mdf_jobs_in_flight", "gauge", "Pipeline jobs currently running.", s.JobsInFlight)
	metric(w, "mdf_rows_total", "counter", "Source rows seen by finished jobs.", s.RowsTotal)
	metric(w, "mdf_rows_normalized_total", "counter", "Source rows converted to MDF records.", s.RowsNormalized)
	metric(w, "mdf_rows_dropped_total", "counter", "Source rows dropped as malformed.", s.RowsDropped)
	metric(w, "mdf_persist_attempts_total", "counter", "Dataset store write attempts.", s.PersistAttempts)
	metric(w, "mdf_persist_retries_total", "counter", "Dataset store write attempts after a failure.", s.PersistRetries)
	metric(w, "mdf_jobs_dispatched_total", "counter", "Job events published to the broker.", s.JobsDispatched)
	metric(w, "mdf_jobs_dispatch_failed_total", "counter", "Job events that could not be published.", s.DispatchFailed)
}

func metric(w io.Writer, name, kind, help string, v int64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
	fmt.Fprintf(w, "%s %d\n", name, v)
}
