// Package dcerpc implements the DCE/RPC connection-oriented and
// connectionless protocol engines: PDU dispatch, bind and call tracking,
// fragment reassembly and hand-off of stub data to registered operations.
package dcerpc

import (
	"fmt"

	"firestige.xyz/dissect/internal/ndr"
)

// PacketType is the PDU type carried in both header variants.
type PacketType uint8

const (
	PTRequest          PacketType = 0
	PTPing             PacketType = 1
	PTResponse         PacketType = 2
	PTFault            PacketType = 3
	PTWorking          PacketType = 4
	PTNocall           PacketType = 5
	PTReject           PacketType = 6
	PTAck              PacketType = 7
	PTCLCancel         PacketType = 8
	PTFack             PacketType = 9
	PTCancelAck        PacketType = 10
	PTBind             PacketType = 11
	PTBindAck          PacketType = 12
	PTBindNak          PacketType = 13
	PTAlterContext     PacketType = 14
	PTAlterContextResp PacketType = 15
	PTAuth3            PacketType = 16
	PTShutdown         PacketType = 17
	PTCOCancel         PacketType = 18
	PTOrphaned         PacketType = 19
)

var packetTypeNames = [...]string{
	PTRequest:          "Request",
	PTPing:             "Ping",
	PTResponse:         "Response",
	PTFault:            "Fault",
	PTWorking:          "Working",
	PTNocall:           "Nocall",
	PTReject:           "Reject",
	PTAck:              "Ack",
	PTCLCancel:         "Cl_cancel",
	PTFack:             "Fack",
	PTCancelAck:        "Cancel_ack",
	PTBind:             "Bind",
	PTBindAck:          "Bind_ack",
	PTBindNak:          "Bind_nak",
	PTAlterContext:     "Alter_context",
	PTAlterContextResp: "Alter_context_resp",
	PTAuth3:            "AUTH3",
	PTShutdown:         "Shutdown",
	PTCOCancel:         "Co_cancel",
	PTOrphaned:         "Orphaned",
}

func (t PacketType) String() string {
	if int(t) < len(packetTypeNames) {
		return packetTypeNames[t]
	}
	return fmt.Sprintf("Unknown (%d)", uint8(t))
}

// Connection-oriented header flags.
const (
	FlagFirstFrag  uint8 = 0x01
	FlagLastFrag   uint8 = 0x02
	FlagPending    uint8 = 0x04 // Cancel pending
	FlagConcMpx    uint8 = 0x10
	FlagDidNotExec uint8 = 0x20
	FlagMaybe      uint8 = 0x40
	FlagObjectUUID uint8 = 0x80
)

// Connectionless flags1.
const (
	CLFlagLastFrag   uint8 = 0x02
	CLFlagFrag       uint8 = 0x04
	CLFlagNoFack     uint8 = 0x08
	CLFlagMaybe      uint8 = 0x10
	CLFlagIdempotent uint8 = 0x20
	CLFlagBroadcast  uint8 = 0x40
)

// Connectionless flags2.
const (
	CLFlagCancelPending uint8 = 0x02
)

type flagName struct {
	bit  uint8
	name string
}

var coFlagNames = []flagName{
	{FlagFirstFrag, "First Frag"},
	{FlagLastFrag, "Last Frag"},
	{FlagPending, "Cancel Pending"},
	{FlagConcMpx, "Multiplex"},
	{FlagDidNotExec, "Did Not Execute"},
	{FlagMaybe, "Maybe"},
	{FlagObjectUUID, "Object"},
}

var clFlagNames = []flagName{
	{CLFlagLastFrag, "Last Fragment"},
	{CLFlagFrag, "Fragment"},
	{CLFlagNoFack, "No Fack"},
	{CLFlagMaybe, "Maybe"},
	{CLFlagIdempotent, "Idempotent"},
	{CLFlagBroadcast, "Broadcast"},
}

func describeFlags(v uint8, names []flagName) string {
	s := ""
	for _, f := range names {
		if v&f.bit == 0 {
			continue
		}
		if s != "" {
			s += ", "
		}
		s += f.name
	}
	if s == "" {
		return fmt.Sprintf("0x%02x", v)
	}
	return fmt.Sprintf("0x%02x (%s)", v, s)
}

// AuthType identifies the security provider of an auth trailer.
type AuthType uint8

const (
	AuthNone     AuthType = 0
	AuthKrb5DCE  AuthType = 1
	AuthSPNEGO   AuthType = 9
	AuthNTLMSSP  AuthType = 10
	AuthSchannel AuthType = 14
	AuthKerberos AuthType = 16
	AuthNetlogon AuthType = 68
	AuthMSMQ     AuthType = 100
	AuthDefault  AuthType = 255
)

var authTypeNames = map[AuthType]string{
	AuthNone:     "None",
	AuthKrb5DCE:  "Kerberos 5 (DCE)",
	AuthSPNEGO:   "SPNEGO",
	AuthNTLMSSP:  "NTLMSSP",
	AuthSchannel: "SCHANNEL",
	AuthKerberos: "Kerberos",
	AuthNetlogon: "Netlogon secure channel",
	AuthMSMQ:     "MSMQ",
	AuthDefault:  "Default",
}

func (t AuthType) String() string {
	if s, ok := authTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("Unknown (%d)", uint8(t))
}

// AuthLevel is the protection level of an auth trailer.
type AuthLevel uint8

const (
	LevelDefault   AuthLevel = 0
	LevelNone      AuthLevel = 1
	LevelConnect   AuthLevel = 2
	LevelCall      AuthLevel = 3
	LevelPacket    AuthLevel = 4
	LevelIntegrity AuthLevel = 5
	LevelPrivacy   AuthLevel = 6
)

// AuthLevels lists every level, for handlers that accept any.
var AuthLevels = []AuthLevel{LevelDefault, LevelNone, LevelConnect, LevelCall, LevelPacket, LevelIntegrity, LevelPrivacy}

var authLevelNames = [...]string{
	LevelDefault:   "default",
	LevelNone:      "none",
	LevelConnect:   "connect",
	LevelCall:      "call",
	LevelPacket:    "packet",
	LevelIntegrity: "packet integrity",
	LevelPrivacy:   "packet privacy",
}

func (l AuthLevel) String() string {
	if int(l) < len(authLevelNames) {
		return authLevelNames[l]
	}
	return fmt.Sprintf("Unknown (%d)", uint8(l))
}

// Version is an interface version.
type Version struct {
	Major uint16
	Minor uint16
}

func (v Version) String() string { return fmt.Sprintf("%d.%d", v.Major, v.Minor) }

// Well-known transfer syntaxes.
var (
	NDRSyntax   = ndr.MustParseUUID("8a885d04-1ceb-11c9-9fe8-08002b104860")
	NDR64Syntax = ndr.MustParseUUID("71710533-beba-4937-8319-b5dbef9ccc36")
)

// bindTimeFeaturePrefix is the fixed part of the bind time feature
// negotiation syntax; the rest of the UUID carries the feature bits.
var bindTimeFeaturePrefix = [8]byte{0x6c, 0xb7, 0x1c, 0x2c, 0x98, 0x12, 0x45, 0x40}

func syntaxName(u ndr.UUID) string {
	switch {
	case u == NDRSyntax:
		return "32bit NDR"
	case u == NDR64Syntax:
		return "64bit NDR"
	case [8]byte(u[:8]) == bindTimeFeaturePrefix:
		return "Bind Time Feature Negotiation"
	}
	return u.String()
}

var ackResultNames = [...]string{
	"Acceptance",
	"User rejection",
	"Provider rejection",
	"Negotiate ACK",
}

var ackReasonNames = [...]string{
	"Reason not specified",
	"Abstract syntax not supported",
	"Proposed transfer syntaxes not supported",
	"Local limit exceeded",
}

// BindNak reasons.
const (
	NakProtocolVersionNotSupported uint16 = 4
)

var nakReasonNames = [...]string{
	"Reason not specified",
	"Temporary congestion",
	"Local limit exceeded",
	"Called presentation address unknown",
	"Protocol version not supported",
	"Default context not supported",
	"User data not readable",
	"No PSAP available",
	"Authentication type not recognized",
	"Invalid checksum",
}

func lookup(names []string, v int) string {
	if v >= 0 && v < len(names) {
		return names[v]
	}
	return fmt.Sprintf("Unknown (%d)", v)
}

var statusNames = map[uint32]string{
	0x1c000001: "nca_s_fault_int_div_by_zero",
	0x1c000002: "nca_s_fault_addr_error",
	0x1c000003: "nca_s_fault_fp_div_zero",
	0x1c000004: "nca_s_fault_fp_underflow",
	0x1c000005: "nca_s_fault_fp_overflow",
	0x1c000006: "nca_s_fault_invalid_tag",
	0x1c000007: "nca_s_fault_invalid_bound",
	0x1c000008: "nca_rpc_version_mismatch",
	0x1c000009: "nca_unspec_reject",
	0x1c00000a: "nca_s_bad_actid",
	0x1c00000b: "nca_who_are_you_failed",
	0x1c00000c: "nca_manager_not_entered",
	0x1c00000d: "nca_s_fault_cancel",
	0x1c00000e: "nca_s_fault_ill_inst",
	0x1c00000f: "nca_s_fault_fp_error",
	0x1c000010: "nca_s_fault_int_overflow",
	0x1c000012: "nca_s_fault_unspec",
	0x1c000013: "nca_s_fault_remote_comm_failure",
	0x1c000014: "nca_s_fault_pipe_empty",
	0x1c000015: "nca_s_fault_pipe_closed",
	0x1c000016: "nca_s_fault_pipe_order",
	0x1c000017: "nca_s_fault_pipe_discipline",
	0x1c000018: "nca_s_fault_pipe_comm_error",
	0x1c000019: "nca_s_fault_pipe_memory",
	0x1c00001a: "nca_s_fault_context_mismatch",
	0x1c00001b: "nca_s_fault_remote_no_memory",
	0x1c00001c: "nca_invalid_pres_context_id",
	0x1c00001d: "nca_unsupported_authn_level",
	0x1c00001f: "nca_invalid_checksum",
	0x1c000020: "nca_invalid_crc",
	0x1c000021: "nca_s_fault_user_defined",
	0x1c000022: "nca_s_fault_tx_open_failed",
	0x1c000023: "nca_s_fault_codeset_conv_error",
	0x1c000024: "nca_s_fault_object_not_found",
	0x1c000025: "nca_s_fault_no_client_stub",
	0x1c010001: "nca_s_comm_failure",
	0x1c010002: "nca_s_op_rng_error",
	0x1c010003: "nca_s_unk_if",
	0x1c010006: "nca_s_wrong_boot_time",
	0x1c010009: "nca_s_you_crashed",
	0x1c01000b: "nca_s_proto_error",
	0x1c010013: "nca_s_out_args_too_big",
	0x1c010014: "nca_s_server_too_busy",
	0x1c010017: "nca_s_unsupported_type",
	0x00000005: "ERROR_ACCESS_DENIED",
	0x000006d1: "RPC_S_PROCNUM_OUT_OF_RANGE",
	0x000006f7: "RPC_X_BAD_STUB_DATA",
	0x00000721: "RPC_S_SEC_PKG_ERROR",
}

// StatusName names a fault or reject status.
func StatusName(v uint32) string {
	if s, ok := statusNames[v]; ok {
		return s
	}
	if v&0xc0000000 == 0xc0000000 {
		return ndr.NTStatusName(v)
	}
	return fmt.Sprintf("Unknown (0x%08x)", v)
}
