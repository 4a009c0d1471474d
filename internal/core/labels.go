// Package core defines core types.
package core

// Labels represents key-value metadata attached by dissectors.
type Labels map[string]string

// Label naming constants following {protocol}.{field} convention.
const (
	LabelTCPAnalysis = "tcp.analysis" // Comma-separated analysis flags
	LabelTCPStream   = "tcp.stream"

	LabelDCERPCPacketType = "dcerpc.pkt_type"
	LabelDCERPCCallID     = "dcerpc.call_id"
	LabelDCERPCOpnum      = "dcerpc.opnum"
	LabelDCERPCInterface  = "dcerpc.interface" // Registered interface name or UUID
	LabelDCERPCAuthType   = "dcerpc.auth_type"
	LabelDCERPCFragment   = "dcerpc.fragment" // "first", "middle", "last"
)

// Advisory notes attached to decoded nodes. They never interrupt decoding.
const (
	NoteMalformed       = "[Malformed Packet]"
	NoteLongFrame       = "[Long frame]"
	NoteFragment        = "[DCE/RPC fragment]"
	NoteReassembled     = "[Reassembled]"
	NoteUnknownStub     = "[Unknown stub data]"
	NoteEncryptedStub   = "[Encrypted stub data]"
	NoteDecryptedStub   = "[Decrypted stub data]"
	NoteNullPointer     = "NULL pointer"
	NoteDuplicatePtr    = "duplicate PTR"
	NoteNoRequest       = "[No request seen]"
	NoteDissectorBug    = "[Dissector bug]"
	NoteSegmentOfPDU    = "[TCP segment of a reassembled PDU]"
	NoteRetransmission  = "[TCP Retransmission]"
	NoteOutOfOrder      = "[TCP Out-Of-Order]"
	NotePrevSegmentLost = "[TCP Previous segment not captured]"
	NoteDuplicateAck    = "[TCP Dup ACK]"
	NoteKeepAlive       = "[TCP Keep-Alive]"
	NoteZeroWindow      = "[TCP ZeroWindow]"
)
