// Package telemetry exposes the engine's prometheus metrics. Metrics are
// registered on the default registry; hosts serve them however they expose
// the rest of their metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ChangeSetsAssembled counts assembled change-sets by kind
	// (initial, incremental).
	ChangeSetsAssembled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coresync",
		Name:      "changesets_assembled_total",
		Help:      "Change sets assembled for peers, by kind.",
	}, []string{"kind"})

	// ChangeSetsApplied counts successfully committed applies.
	ChangeSetsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "coresync",
		Name:      "changesets_applied_total",
		Help:      "Change sets applied and committed.",
	})

	// ItemsApplied counts applied items by change type
	// (insert, update, delete).
	ItemsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coresync",
		Name:      "items_applied_total",
		Help:      "Row mutations applied, by change type.",
	}, []string{"type"})

	// ConflictsResolved counts detected conflicts by resolution
	// (skip, force_write).
	ConflictsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coresync",
		Name:      "conflicts_resolved_total",
		Help:      "Row conflicts detected, by resolution.",
	}, []string{"resolution"})

	// ApplyAborts counts applies rolled back by an error.
	ApplyAborts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "coresync",
		Name:      "apply_aborts_total",
		Help:      "Change set applications rolled back.",
	})
)
