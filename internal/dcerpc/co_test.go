package dcerpc

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/ndr"
	"firestige.xyz/dissect/internal/wire"
)

func newTestDissector(t *testing.T, capture *stubCapture) *Dissector {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.RegisterInterface(testIface, 1, "TEST", []Operation{
		{Opnum: 5, Name: "TestOp", Request: capture.fn, Response: capture.fn},
	}))
	return New(reg, DefaultOptions())
}

func bind(t *testing.T, d *Dissector, frame uint32) {
	t.Helper()
	_, err := dissectCO(t, d, coPDU(PTBind, FlagFirstFrag|FlagLastFrag, 1, bindBody(1, testIface, 1, 0), nil), pkt(frame, true, core.ProtoTCP))
	require.NoError(t, err)
}

func TestBindThenRequest(t *testing.T) {
	capture := &stubCapture{}
	d := newTestDissector(t, capture)
	bind(t, d, 1)

	flow := pkt(1, true, core.ProtoTCP).Flow(0)
	b, ok := d.Tracker().ResolveInterface(flow, 1)
	require.True(t, ok)
	assert.Equal(t, testIface, b.Interface)
	assert.Equal(t, Version{Major: 1}, b.Version)

	stub := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	p := pkt(2, true, core.ProtoTCP)
	tree, err := dissectCO(t, d, coPDU(PTRequest, FlagFirstFrag|FlagLastFrag, 42, requestBody(8, 1, 5, stub), nil), p)
	require.NoError(t, err)

	call := d.Tracker().MatchCall(flow, 42)
	require.NotNil(t, call)
	assert.Equal(t, uint16(5), call.Opnum)
	_, calls, _ := d.Tracker().Stats()
	assert.Equal(t, 1, calls)

	require.Len(t, capture.calls, 1)
	assert.Equal(t, stub, capture.calls[0].data)
	assert.Equal(t, 0, capture.calls[0].off)
	rc, ok := capture.calls[0].cc.(*RequestContext)
	require.True(t, ok)
	assert.Same(t, call, rc.Call)
	assert.Equal(t, uint16(5), rc.Opnum)

	assert.Equal(t, "TestOp", tree.Find("TEST").Value)
	assert.Equal(t, "TEST", p.Labels[core.LabelDCERPCInterface])
	assert.Equal(t, "5", p.Labels[core.LabelDCERPCOpnum])
}

func TestRequestResponseMatching(t *testing.T) {
	capture := &stubCapture{}
	d := newTestDissector(t, capture)
	bind(t, d, 1)

	_, err := dissectCO(t, d, coPDU(PTRequest, FlagFirstFrag|FlagLastFrag, 7, requestBody(4, 1, 5, []byte{1, 0, 0, 0}), nil), pkt(2, true, core.ProtoTCP))
	require.NoError(t, err)
	tree, err := dissectCO(t, d, coPDU(PTResponse, FlagFirstFrag|FlagLastFrag, 7, responseBody(4, 1, []byte{0, 0, 0, 0}), nil), pkt(3, false, core.ProtoTCP))
	require.NoError(t, err)

	require.Len(t, capture.calls, 2)
	rc, ok := capture.calls[1].cc.(*ResponseContext)
	require.True(t, ok)
	assert.Equal(t, uint32(2), rc.Call.RequestFrame)
	assert.Equal(t, uint32(3), rc.Call.ResponseFrame)
	assert.Equal(t, uint32(2), tree.Find("Request in frame").Value)
	assert.NotNil(t, tree.Find("Time from request"))

	// Revisiting the request now shows the response.
	p := pkt(2, true, core.ProtoTCP)
	p.Visited = true
	tree, err = dissectCO(t, d, coPDU(PTRequest, FlagFirstFrag|FlagLastFrag, 7, requestBody(4, 1, 5, []byte{1, 0, 0, 0}), nil), p)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), tree.Find("Response in frame").Value)
}

func TestResponseWithoutRequest(t *testing.T) {
	capture := &stubCapture{}
	d := newTestDissector(t, capture)

	tree, err := dissectCO(t, d, coPDU(PTResponse, FlagFirstFrag|FlagLastFrag, 9, responseBody(4, 0, []byte{1, 2, 3, 4}), nil), pkt(1, false, core.ProtoTCP))
	require.NoError(t, err)
	assert.Empty(t, capture.calls)
	assert.True(t, hasNote(tree, core.NoteNoRequest))
}

func TestFragmentedRequest(t *testing.T) {
	capture := &stubCapture{}
	d := newTestDissector(t, capture)
	bind(t, d, 1)

	part1 := bytes.Repeat([]byte{0xaa}, 60)
	part2 := bytes.Repeat([]byte{0xbb}, 40)
	frag1 := coPDU(PTRequest, FlagFirstFrag, 42, requestBody(100, 1, 5, part1), nil)
	frag2 := coPDU(PTRequest, FlagLastFrag, 42, requestBody(40, 1, 5, part2), nil)

	tree, err := dissectCO(t, d, frag1, pkt(2, true, core.ProtoTCP))
	require.NoError(t, err)
	assert.Empty(t, capture.calls)
	assert.True(t, hasNote(tree, core.NoteFragment))

	tree, err = dissectCO(t, d, frag2, pkt(3, true, core.ProtoTCP))
	require.NoError(t, err)
	require.Len(t, capture.calls, 1)
	assert.Equal(t, append(append([]byte(nil), part1...), part2...), capture.calls[0].data)
	assert.True(t, hasNote(tree, core.NoteReassembled))

	t.Run("revisit replays only the completing frame", func(t *testing.T) {
		p1 := pkt(2, true, core.ProtoTCP)
		p1.Visited = true
		tree, err := dissectCO(t, d, frag1, p1)
		require.NoError(t, err)
		assert.Len(t, capture.calls, 1)
		assert.Equal(t, uint32(3), tree.Find("Reassembled in frame").Value)

		p2 := pkt(3, true, core.ProtoTCP)
		p2.Visited = true
		_, err = dissectCO(t, d, frag2, p2)
		require.NoError(t, err)
		assert.Len(t, capture.calls, 2)
		assert.Len(t, capture.calls[1].data, 100)
	})
}

func TestExpireDropsIdleFragments(t *testing.T) {
	capture := &stubCapture{}
	d := newTestDissector(t, capture)
	bind(t, d, 1)

	frag1 := coPDU(PTRequest, FlagFirstFrag, 42, requestBody(8, 1, 5, []byte{1, 2, 3, 4}), nil)
	frag2 := coPDU(PTRequest, FlagLastFrag, 42, requestBody(4, 1, 5, []byte{5, 6, 7, 8}), nil)
	p1 := pkt(2, true, core.ProtoTCP)
	_, err := dissectCO(t, d, frag1, p1)
	require.NoError(t, err)

	assert.Zero(t, d.Expire(p1.Timestamp.Add(time.Second)))
	assert.Equal(t, 1, d.Expire(p1.Timestamp.Add(2*time.Minute)))

	_, err = dissectCO(t, d, frag2, pkt(3, true, core.ProtoTCP))
	require.NoError(t, err)
	assert.Empty(t, capture.calls)
}

func TestFragmentsInOneFrame(t *testing.T) {
	capture := &stubCapture{}
	d := newTestDissector(t, capture)
	bind(t, d, 1)

	p := pkt(2, true, core.ProtoTCP)
	_, err := dissectCO(t, d, coPDU(PTRequest, FlagFirstFrag, 3, requestBody(8, 1, 5, []byte{1, 2, 3, 4}), nil), p)
	require.NoError(t, err)
	_, err = dissectCO(t, d, coPDU(PTRequest, FlagLastFrag, 3, requestBody(4, 1, 5, []byte{5, 6, 7, 8}), nil), p)
	require.NoError(t, err)
	require.Len(t, capture.calls, 1)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, capture.calls[0].data)

	// Three fragments of another call, two of them identical, in one frame.
	p = pkt(3, true, core.ProtoTCP)
	for _, f := range []struct {
		flags uint8
		stub  []byte
	}{
		{FlagFirstFrag, []byte{9, 9, 9, 9}},
		{0, []byte{9, 9, 9, 9}},
		{FlagLastFrag, []byte{7, 7, 7, 7}},
	} {
		_, err = dissectCO(t, d, coPDU(PTRequest, f.flags, 4, requestBody(12, 1, 5, f.stub), nil), p)
		require.NoError(t, err)
	}
	require.Len(t, capture.calls, 2)
	assert.Equal(t, []byte{9, 9, 9, 9, 9, 9, 9, 9, 7, 7, 7, 7}, capture.calls[1].data)
}

func TestPrivateCarriesRequestStateToResponse(t *testing.T) {
	type level struct{ value uint32 }
	var seen []any
	reg := NewRegistry()
	req := func(c *ndr.Context, off int, tree *core.Node, cc CallContext) (int, error) {
		v, off, err := c.Uint32(off, tree, ndr.ModeData, "level")
		if err != nil {
			return off, err
		}
		cc.(*RequestContext).Call.Private = &level{value: v}
		return off, nil
	}
	resp := func(c *ndr.Context, off int, tree *core.Node, cc CallContext) (int, error) {
		seen = append(seen, cc.(*ResponseContext).Call.Private)
		_, off, err := c.Uint32(off, tree, ndr.ModeData, "status")
		return off, err
	}
	require.NoError(t, reg.RegisterInterface(testIface, 1, "TEST", []Operation{{Opnum: 5, Name: "TestOp", Request: req, Response: resp}}))
	d := New(reg, DefaultOptions())
	bind(t, d, 1)

	_, err := dissectCO(t, d, coPDU(PTRequest, FlagFirstFrag|FlagLastFrag, 11, requestBody(4, 1, 5, []byte{3, 0, 0, 0}), nil), pkt(2, true, core.ProtoTCP))
	require.NoError(t, err)
	_, err = dissectCO(t, d, coPDU(PTResponse, FlagFirstFrag|FlagLastFrag, 11, responseBody(4, 1, []byte{0, 0, 0, 0}), nil), pkt(3, false, core.ProtoTCP))
	require.NoError(t, err)

	require.Len(t, seen, 1)
	lv, ok := seen[0].(*level)
	require.True(t, ok)
	assert.Equal(t, uint32(3), lv.value)

	flow := pkt(1, true, core.ProtoTCP).Flow(0)
	assert.Same(t, lv, d.Tracker().MatchCall(flow, 11).Private)
}

func TestUnknownInterface(t *testing.T) {
	capture := &stubCapture{}
	d := newTestDissector(t, capture)

	t.Run("unbound context", func(t *testing.T) {
		tree, err := dissectCO(t, d, coPDU(PTRequest, FlagFirstFrag|FlagLastFrag, 1, requestBody(4, 3, 5, []byte{1, 2, 3, 4}), nil), pkt(1, true, core.ProtoTCP))
		require.NoError(t, err)
		assert.Empty(t, capture.calls)
		assert.True(t, hasNote(tree, core.NoteUnknownStub))
	})

	t.Run("unregistered interface", func(t *testing.T) {
		other := ndr.MustParseUUID("00000000-1111-2222-3333-444444444444")
		_, err := dissectCO(t, d, coPDU(PTBind, FlagFirstFrag|FlagLastFrag, 2, bindBody(4, other, 1, 0), nil), pkt(2, true, core.ProtoTCP))
		require.NoError(t, err)
		tree, err := dissectCO(t, d, coPDU(PTRequest, FlagFirstFrag|FlagLastFrag, 3, requestBody(4, 4, 5, []byte{1, 2, 3, 4}), nil), pkt(3, true, core.ProtoTCP))
		require.NoError(t, err)
		assert.Empty(t, capture.calls)
		assert.True(t, hasNote(tree, core.NoteUnknownStub))
	})

	t.Run("unknown opnum", func(t *testing.T) {
		bind(t, d, 4)
		tree, err := dissectCO(t, d, coPDU(PTRequest, FlagFirstFrag|FlagLastFrag, 5, requestBody(4, 1, 99, []byte{1, 2, 3, 4}), nil), pkt(5, true, core.ProtoTCP))
		require.NoError(t, err)
		assert.Empty(t, capture.calls)
		assert.True(t, hasNote(tree, core.NoteUnknownStub))
	})
}

func TestTruncatedRequest(t *testing.T) {
	reg := NewRegistry()
	read := func(c *ndr.Context, off int, tree *core.Node, _ CallContext) (int, error) {
		for i := 0; i < 4; i++ {
			var err error
			if _, off, err = c.Uint32(off, tree, ndr.ModeData, "value"); err != nil {
				return off, err
			}
		}
		return off, nil
	}
	require.NoError(t, reg.RegisterInterface(testIface, 1, "TEST", []Operation{{Opnum: 5, Name: "TestOp", Request: read}}))
	d := New(reg, DefaultOptions())
	bind(t, d, 1)

	full := coPDU(PTRequest, FlagFirstFrag|FlagLastFrag, 1, requestBody(16, 1, 5, make([]byte, 16)), nil)
	buf := wire.NewBuffer(full[:30], len(full))
	tree := core.NewTree("frame")
	err := d.DissectCO(buf, pkt(2, true, core.ProtoTCP), tree)
	require.NoError(t, err)

	assert.Equal(t, uint16(5), tree.Find("Opnum").Value)
	assert.True(t, hasNote(tree, core.NoteMalformed))
	assert.Len(t, tree.FindAll("value"), 1)
}

func TestLongFrame(t *testing.T) {
	reg := NewRegistry()
	half := func(c *ndr.Context, off int, tree *core.Node, _ CallContext) (int, error) {
		_, off, err := c.Uint32(off, tree, ndr.ModeData, "value")
		return off, err
	}
	require.NoError(t, reg.RegisterInterface(testIface, 1, "TEST", []Operation{{Opnum: 5, Name: "TestOp", Request: half}}))
	d := New(reg, DefaultOptions())
	bind(t, d, 1)

	tree, err := dissectCO(t, d, coPDU(PTRequest, FlagFirstFrag|FlagLastFrag, 1, requestBody(8, 1, 5, make([]byte, 8)), nil), pkt(2, true, core.ProtoTCP))
	require.NoError(t, err)
	long := tree.Find("Long frame")
	require.NotNil(t, long)
	assert.True(t, long.HasNote(core.NoteLongFrame))
	assert.Equal(t, 4, long.Value)
}

func TestContractViolationSurfaces(t *testing.T) {
	reg := NewRegistry()
	greedy := func(c *ndr.Context, off int, _ *core.Node, _ ndr.Mode) (int, error) {
		return off + 4, nil
	}
	op := func(c *ndr.Context, off int, tree *core.Node, _ CallContext) (int, error) {
		return c.Pointer(off, tree, ndr.ModeData, ndr.Pointer{Kind: ndr.Unique, Name: "p", Fn: greedy})
	}
	require.NoError(t, reg.RegisterInterface(testIface, 1, "TEST", []Operation{{Opnum: 5, Name: "TestOp", Request: op}}))
	d := New(reg, DefaultOptions())
	bind(t, d, 1)

	tree, err := dissectCO(t, d, coPDU(PTRequest, FlagFirstFrag|FlagLastFrag, 1, requestBody(8, 1, 5, []byte{1, 0, 0, 0, 2, 0, 0, 0}), nil), pkt(2, true, core.ProtoTCP))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrContractViolation)
	assert.True(t, hasNote(tree, core.NoteDissectorBug))
}

func TestBindRecordsFirstContextOnly(t *testing.T) {
	second := ndr.MustParseUUID("11111111-2222-3333-4444-555555555555")
	body := (&builder{}).u16(4280).u16(4280).u32(0).u8(2).raw([]byte{0, 0, 0}).
		u16(0).u8(1).u8(0).uuid(testIface).u16(1).u16(0).uuid(NDRSyntax).u32(2).
		u16(1).u8(1).u8(0).uuid(second).u16(2).u16(0).uuid(NDR64Syntax).u32(1).b
	pdu := coPDU(PTBind, FlagFirstFrag|FlagLastFrag, 1, body, nil)
	flow := pkt(1, true, core.ProtoTCP).Flow(0)

	d := New(NewRegistry(), DefaultOptions())
	tree, err := dissectCO(t, d, pdu, pkt(1, true, core.ProtoTCP))
	require.NoError(t, err)
	assert.Len(t, tree.FindAll("Ctx Item"), 2)
	_, ok := d.Tracker().ResolveInterface(flow, 0)
	assert.True(t, ok)
	_, ok = d.Tracker().ResolveInterface(flow, 1)
	assert.False(t, ok)

	opts := DefaultOptions()
	opts.RecordAllContexts = true
	d = New(NewRegistry(), opts)
	_, err = dissectCO(t, d, pdu, pkt(1, true, core.ProtoTCP))
	require.NoError(t, err)
	b, ok := d.Tracker().ResolveInterface(flow, 1)
	require.True(t, ok)
	assert.Equal(t, second, b.Interface)
	assert.Equal(t, uint16(2), b.Version.Major)
}

func TestBindAck(t *testing.T) {
	sec := []byte("\\PIPE\\atsvc\x00")
	w := &builder{}
	w.u16(4280).u16(4280).u32(0x1234).u16(uint16(len(sec))).raw(sec)
	for (16+len(w.b))%4 != 0 {
		w.u8(0)
	}
	w.u8(2).raw([]byte{0, 0, 0})
	w.u16(0).u16(0).uuid(NDRSyntax).u32(2)
	w.u16(2).u16(2).uuid(ndr.UUID{}).u32(0)

	d := New(NewRegistry(), DefaultOptions())
	tree, err := dissectCO(t, d, coPDU(PTBindAck, FlagFirstFrag|FlagLastFrag, 1, w.b, nil), pkt(2, false, core.ProtoTCP))
	require.NoError(t, err)
	assert.Equal(t, "\\PIPE\\atsvc", tree.Find("Scndry Addr").Value)
	items := tree.FindAll("Ctx Item")
	require.Len(t, items, 2)
	assert.Equal(t, "Acceptance", items[0].Value)
	assert.Equal(t, "32bit NDR V2", items[0].Find("Transfer Syntax").Value)
	assert.Equal(t, "Provider rejection", items[1].Value)
	assert.Equal(t, "Proposed transfer syntaxes not supported", items[1].Find("Reason").Value)
}

func TestBindNak(t *testing.T) {
	d := New(NewRegistry(), DefaultOptions())

	body := (&builder{}).u16(NakProtocolVersionNotSupported).u8(2).u8(5).u8(0).u8(5).u8(1).b
	tree, err := dissectCO(t, d, coPDU(PTBindNak, FlagFirstFrag|FlagLastFrag, 1, body, nil), pkt(2, false, core.ProtoTCP))
	require.NoError(t, err)
	assert.Equal(t, "Protocol version not supported", tree.Find("Reject reason").Value)
	protos := tree.FindAll("Protocol")
	require.Len(t, protos, 2)
	assert.Equal(t, "5.1", protos[1].Value)

	body = (&builder{}).u16(1).b
	tree, err = dissectCO(t, d, coPDU(PTBindNak, FlagFirstFrag|FlagLastFrag, 1, body, nil), pkt(3, false, core.ProtoTCP))
	require.NoError(t, err)
	assert.Equal(t, "Temporary congestion", tree.Find("Reject reason").Value)
	assert.Nil(t, tree.Find("Protocols"))
}

func TestFault(t *testing.T) {
	capture := &stubCapture{}
	d := newTestDissector(t, capture)
	bind(t, d, 1)
	_, err := dissectCO(t, d, coPDU(PTRequest, FlagFirstFrag|FlagLastFrag, 4, requestBody(0, 1, 5, nil), nil), pkt(2, true, core.ProtoTCP))
	require.NoError(t, err)

	body := (&builder{}).u32(0).u16(1).u8(0).u8(0).u32(0x1c010002).u32(0).b
	p := pkt(3, false, core.ProtoTCP)
	tree, err := dissectCO(t, d, coPDU(PTFault, FlagFirstFrag|FlagLastFrag, 4, body, nil), p)
	require.NoError(t, err)
	assert.Equal(t, "nca_s_op_rng_error", tree.Find("Status").Value)
	assert.Contains(t, p.Info(), "nca_s_op_rng_error")
	assert.Len(t, capture.calls, 1)
}

func TestAuthTrailer(t *testing.T) {
	capture := &stubCapture{}
	d := newTestDissector(t, capture)
	var verifiers [][]byte
	d.Registry().RegisterAuthHandler(LevelConnect, AuthNTLMSSP, &AuthHandler{
		Name: "test",
		RequestVerifier: func(buf *wire.Buffer, off int, _ *core.Node, ac *AuthContext) (int, error) {
			verifiers = append(verifiers, buf.Tail(off))
			return buf.Reported(), nil
		},
	})
	bind(t, d, 1)

	verifier := bytes.Repeat([]byte{0x55}, 16)
	stub := []byte{1, 2, 3, 4, 5, 6}
	tr := &trailer{typ: AuthNTLMSSP, level: LevelConnect, pad: 2, verifier: verifier}
	p := pkt(2, true, core.ProtoTCP)
	tree, err := dissectCO(t, d, coPDU(PTRequest, FlagFirstFrag|FlagLastFrag, 8, requestBody(8, 1, 5, stub), tr), p)
	require.NoError(t, err)

	require.Len(t, verifiers, 1)
	assert.Equal(t, verifier, verifiers[0])
	require.Len(t, capture.calls, 1)
	assert.Equal(t, stub, capture.calls[0].data, "pad bytes are not stub data")
	assert.Equal(t, "NTLMSSP", tree.Find("Auth type").Value)
	assert.Equal(t, 2, tree.Find("Auth pad len").Value)
	assert.Equal(t, "NTLMSSP", p.Labels[core.LabelDCERPCAuthType])
}

func TestMalformedVerifierKeepsStub(t *testing.T) {
	capture := &stubCapture{}
	d := newTestDissector(t, capture)
	d.Registry().RegisterAuthHandler(LevelConnect, AuthNTLMSSP, &AuthHandler{
		RequestVerifier: func(buf *wire.Buffer, off int, _ *core.Node, _ *AuthContext) (int, error) {
			_, err := buf.Uint32(buf.Reported(), nil)
			return off, err
		},
	})
	bind(t, d, 1)

	tr := &trailer{typ: AuthNTLMSSP, level: LevelConnect, verifier: make([]byte, 16)}
	tree, err := dissectCO(t, d, coPDU(PTRequest, FlagFirstFrag|FlagLastFrag, 8, requestBody(4, 1, 5, []byte{1, 2, 3, 4}), tr), pkt(2, true, core.ProtoTCP))
	require.NoError(t, err)
	assert.True(t, tree.Find("Auth Verifier").HasNote(core.NoteMalformed))
	assert.Len(t, capture.calls, 1)
}

func TestPrivacyLevel(t *testing.T) {
	stub := []byte{1, 2, 3, 4}
	sealed := []byte{1 ^ 0xff, 2 ^ 0xff, 3 ^ 0xff, 4 ^ 0xff}
	tr := &trailer{typ: AuthNTLMSSP, level: LevelPrivacy, verifier: make([]byte, 16)}
	pdu := coPDU(PTRequest, FlagFirstFrag|FlagLastFrag, 8, requestBody(4, 1, 5, sealed), tr)

	t.Run("no decrypt hook", func(t *testing.T) {
		capture := &stubCapture{}
		d := newTestDissector(t, capture)
		bind(t, d, 1)
		tree, err := dissectCO(t, d, pdu, pkt(2, true, core.ProtoTCP))
		require.NoError(t, err)
		assert.Empty(t, capture.calls)
		assert.True(t, hasNote(tree, core.NoteEncryptedStub))
	})

	t.Run("decrypt hook", func(t *testing.T) {
		capture := &stubCapture{}
		d := newTestDissector(t, capture)
		d.Registry().RegisterAuthHandler(LevelPrivacy, AuthNTLMSSP, &AuthHandler{
			DecryptRequest: func(data []byte, ac *AuthContext) ([]byte, error) {
				out := make([]byte, len(data))
				for i, b := range data {
					out[i] = b ^ 0xff
				}
				return out, nil
			},
		})
		bind(t, d, 1)
		tree, err := dissectCO(t, d, pdu, pkt(2, true, core.ProtoTCP))
		require.NoError(t, err)
		require.Len(t, capture.calls, 1)
		assert.Equal(t, stub, capture.calls[0].data)
		assert.True(t, hasNote(tree, core.NoteDecryptedStub))
	})
}

func TestAuth3AndShutdown(t *testing.T) {
	d := New(NewRegistry(), DefaultOptions())
	var called bool
	d.Registry().RegisterAuthHandler(LevelConnect, AuthNTLMSSP, &AuthHandler{
		Auth3: func(buf *wire.Buffer, off int, _ *core.Node, ac *AuthContext) (int, error) {
			called = ac.PacketType == PTAuth3
			return buf.Reported(), nil
		},
	})
	tr := &trailer{typ: AuthNTLMSSP, level: LevelConnect, verifier: []byte("NTLMSSP\x00\x03\x00\x00\x00")}
	_, err := dissectCO(t, d, coPDU(PTAuth3, FlagFirstFrag|FlagLastFrag, 1, []byte{0, 0, 0, 0}, tr), pkt(1, true, core.ProtoTCP))
	require.NoError(t, err)
	assert.True(t, called)

	tree, err := dissectCO(t, d, coPDU(PTShutdown, FlagFirstFrag|FlagLastFrag, 0, nil, nil), pkt(2, false, core.ProtoTCP))
	require.NoError(t, err)
	assert.Equal(t, "Shutdown", tree.Find("DCE/RPC").Value)
}

func TestFramerSplitsStream(t *testing.T) {
	capture := &stubCapture{}
	d := newTestDissector(t, capture)

	stream := append(coPDU(PTBind, FlagFirstFrag|FlagLastFrag, 1, bindBody(1, testIface, 1, 0), nil),
		coPDU(PTRequest, FlagFirstFrag|FlagLastFrag, 2, requestBody(4, 1, 5, []byte{9, 9, 9, 9}), nil)...)
	tree := core.NewTree("frame")
	req, err := d.Framer().DissectStream(wire.FromBytes(stream), pkt(1, true, core.ProtoTCP), tree, true)
	require.NoError(t, err)
	assert.Nil(t, req)
	assert.Len(t, tree.FindAll("DCE/RPC"), 2)
	assert.Len(t, capture.calls, 1)

	req, err = d.Framer().DissectStream(wire.FromBytes(stream[:10]), pkt(2, true, core.ProtoTCP), core.NewTree("frame"), true)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, 6, req.More)
}

func TestHeuristics(t *testing.T) {
	assert.True(t, IsCO(wire.FromBytes(coPDU(PTBind, 3, 1, bindBody(0, testIface, 1, 0), nil))))
	assert.False(t, IsCO(wire.FromBytes([]byte{4, 0, 0})))
	bad := coPDU(PTRequest, 3, 1, nil, nil)
	bad[2] = 42
	assert.False(t, IsCO(wire.FromBytes(bad)))

	cl := clPDU(PTPing, 0, ndr.UUID{1}, 1, 0, 0, nil)
	assert.True(t, IsCL(wire.FromBytes(cl)))
	assert.False(t, IsCL(wire.FromBytes(cl[:40])))
	assert.False(t, IsCO(wire.FromBytes(cl)))
}

func TestResetForgetsState(t *testing.T) {
	capture := &stubCapture{}
	d := newTestDissector(t, capture)
	bind(t, d, 1)
	d.Reset()

	tree, err := dissectCO(t, d, coPDU(PTRequest, FlagFirstFrag|FlagLastFrag, 1, requestBody(4, 1, 5, []byte{1, 2, 3, 4}), nil), pkt(2, true, core.ProtoTCP))
	require.NoError(t, err)
	assert.Empty(t, capture.calls)
	assert.True(t, hasNote(tree, core.NoteUnknownStub))
}
