package dcerpc

import (
	"errors"
	"log/slog"
	"time"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/metrics"
	"firestige.xyz/dissect/internal/ndr"
	"firestige.xyz/dissect/internal/reassembly"
	"firestige.xyz/dissect/internal/tcp"
)

// Options tunes a Dissector.
type Options struct {
	ReassembleCO bool // Reassemble fragmented connection-oriented stubs
	ReassembleCL bool // Reassemble fragmented connectionless stubs
	// RecordAllContexts binds every context a Bind proposes instead of the
	// first one only.
	RecordAllContexts bool
	Reassembly        reassembly.Config
}

// DefaultOptions enables reassembly on both transports.
func DefaultOptions() Options {
	return Options{ReassembleCO: true, ReassembleCL: true}
}

type coFragKey struct {
	flow       core.FlowKey
	callID     uint32
	firstFrame uint32
	request    bool
}

type clFragKey struct {
	activity ndr.UUID
	seq      uint32
	typ      PacketType
}

// Dissector decodes DCE/RPC PDUs. One Dissector holds the state of one
// capture; Reset clears it.
type Dissector struct {
	registry *Registry
	tracker  *Tracker
	opts     Options
	coFrags  *reassembly.Table[coFragKey]
	clFrags  *reassembly.Table[clFragKey]
}

// New creates a Dissector dispatching stubs through reg.
func New(reg *Registry, opts Options) *Dissector {
	co := opts.Reassembly
	co.Name = "dcerpc_co"
	co.Mode = reassembly.ByOffset
	cl := opts.Reassembly
	cl.Name = "dcerpc_cl"
	cl.Mode = reassembly.BySequence
	return &Dissector{
		registry: reg,
		tracker:  NewTracker(),
		opts:     opts,
		coFrags:  reassembly.New[coFragKey](co),
		clFrags:  reassembly.New[clFragKey](cl),
	}
}

// Registry returns the registry stubs are dispatched through.
func (d *Dissector) Registry() *Registry { return d.registry }

// Tracker returns the bind and call tables.
func (d *Dissector) Tracker() *Tracker { return d.tracker }

// Framer returns a stream dissector that splits a TCP stream into PDUs.
func (d *Dissector) Framer() *tcp.Framer {
	return &tcp.Framer{
		Protocol:       "dcerpc",
		FixedHeaderLen: COHeaderLen,
		PDULen:         coPDULen,
		Dissect:        d.DissectCO,
	}
}

// Reset forgets all bindings, calls and partial reassemblies.
func (d *Dissector) Reset() {
	d.tracker.Reset()
	d.coFrags.Reset()
	d.clFrags.Reset()
}

// Expire drops fragmented stubs of either transport that have been idle
// longer than the reassembly timeout. It returns the number dropped.
func (d *Dissector) Expire(now time.Time) int {
	return d.coFrags.Expire(now) + d.clFrags.Expire(now)
}

// section runs one independently failing part of a PDU. Recoverable errors
// mark node malformed and are swallowed; contract violations and fatal
// bounds errors are returned.
func section(node *core.Node, pinfo *core.PacketInfo, what string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, core.ErrContractViolation) {
		metrics.ContractViolationsTotal.Inc()
		node.Annotate(core.NoteDissectorBug)
		slog.Error("dissector contract violation", "frame", pinfo.Frame, "section", what, "error", err)
		return err
	}
	if core.IsRecoverable(err) {
		metrics.MalformedTotal.WithLabelValues("dcerpc").Inc()
		node.Annotate(core.NoteMalformed)
		slog.Debug("truncated section", "frame", pinfo.Frame, "section", what, "error", err)
		return nil
	}
	return err
}
