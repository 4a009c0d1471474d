package core

import (
	"errors"
	"fmt"
	"net/netip"
	"testing"
)

func TestNewFlowKeyCanonical(t *testing.T) {
	a := Endpoint{Addr: netip.MustParseAddr("10.0.0.1"), Port: 49152}
	b := Endpoint{Addr: netip.MustParseAddr("10.0.0.2"), Port: 135}

	k1 := NewFlowKey(a, b, ProtoTCP, 0)
	k2 := NewFlowKey(b, a, ProtoTCP, 0)
	if k1 != k2 {
		t.Fatalf("expected direction-independent key, got %v and %v", k1, k2)
	}
	if k1.Direction(a) == k1.Direction(b) {
		t.Errorf("expected opposite directions for a and b")
	}
	if NewFlowKey(a, b, ProtoTCP, 1) == k1 {
		t.Errorf("expected sub-channel to distinguish keys")
	}
}

func TestNodeNilSafe(t *testing.T) {
	var n *Node
	if c := n.Add("x", 1, 0, 1); c != nil {
		t.Errorf("expected nil child from nil node")
	}
	n.Annotate(NoteMalformed)
	n.SetLength(3)
	if n.HasNote(NoteMalformed) {
		t.Errorf("expected no notes on nil node")
	}
}

func TestNodeFindAndNotes(t *testing.T) {
	root := NewTree("frame")
	pdu := root.Add("dcerpc", nil, 0, 16)
	pdu.Add("call_id", uint32(7), 12, 4).Annotate(NoteFragment)

	if got := root.Find("call_id"); got == nil || got.Value != uint32(7) {
		t.Fatalf("expected call_id node, got %+v", got)
	}
	if !root.HasNote(NoteFragment) {
		t.Errorf("expected fragment note in subtree")
	}
	if len(root.FindAll("dcerpc")) != 1 {
		t.Errorf("expected one dcerpc node")
	}
}

func TestIsRecoverable(t *testing.T) {
	if !IsRecoverable(fmt.Errorf("stub: %w", ErrReportedBounds)) {
		t.Errorf("expected wrapped ErrReportedBounds to be recoverable")
	}
	if IsRecoverable(ErrBounds) {
		t.Errorf("expected ErrBounds to be fatal")
	}
	if IsRecoverable(errors.New("other")) {
		t.Errorf("expected unrelated error to be fatal")
	}
}

func TestPacketInfoSummary(t *testing.T) {
	var p PacketInfo
	p.AddInfo("Bind: call_id: 1")
	p.AddInfo("Bind_ack: call_id: 1")
	p.SetLabel(LabelDCERPCCallID, "1")
	if p.Info() != "Bind: call_id: 1, Bind_ack: call_id: 1" {
		t.Errorf("unexpected summary %q", p.Info())
	}
	if p.Labels[LabelDCERPCCallID] != "1" {
		t.Errorf("expected label to be set")
	}
}
