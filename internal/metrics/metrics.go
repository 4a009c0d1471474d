// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesTotal counts frames handed to the engine by outcome
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dissect_frames_total",
			Help: "Total number of frames processed",
		},
		[]string{"result"}, // decoded | skipped | error
	)

	// PDUsTotal counts DCE/RPC PDUs by transport and packet type
	PDUsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dissect_dcerpc_pdus_total",
			Help: "Total number of DCE/RPC PDUs dissected",
		},
		[]string{"transport", "type"},
	)

	// MalformedTotal counts malformed annotations by protocol
	MalformedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dissect_malformed_total",
			Help: "Total number of sections annotated as malformed",
		},
		[]string{"protocol"},
	)

	// ReassemblyActiveGroups tracks fragment groups awaiting completion
	ReassemblyActiveGroups = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dissect_reassembly_active_groups",
			Help: "Number of fragment groups held by reassembly tables",
		},
		[]string{"table"},
	)

	// TCPAnalysisTotal counts TCP sequence analysis flags
	TCPAnalysisTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dissect_tcp_analysis_total",
			Help: "Total number of TCP analysis flags raised",
		},
		[]string{"flag"},
	)

	// ContractViolationsTotal counts NDR dissector contract violations
	ContractViolationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dissect_contract_violations_total",
			Help: "Total number of NDR dissectors that consumed data during the conformance pass",
		},
	)

	// ConversationsActive tracks tracked conversations by table
	ConversationsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dissect_conversations_active",
			Help: "Number of conversations tracked",
		},
		[]string{"table"},
	)
)
