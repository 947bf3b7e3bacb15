// ABOUTME: Prometheus collectors for export jobs, dispatch outcomes, and delivery attempts.
// ABOUTME: Registered once on the default registry; exposed by the serve-mode ops server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ExportJobs counts export jobs by terminal status (completed, failed,
	// cancelled, timeout).
	ExportJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inspector_export_jobs_total",
		Help: "Export jobs by terminal status.",
	}, []string{"status"})

	// DispatchOutcomes counts arrival-event dispatches by terminal state.
	DispatchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inspector_dispatch_outcomes_total",
		Help: "Notification dispatches by terminal state (delivered, exhausted, duplicate).",
	}, []string{"state"})

	// DeliveryAttempts counts individual provider send attempts by result.
	DeliveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inspector_delivery_attempts_total",
		Help: "Email provider send attempts by classified result.",
	}, []string{"result"})
)
