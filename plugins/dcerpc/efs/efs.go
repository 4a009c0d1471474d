// Package efs decodes the Encrypting File System Remote (EFSRPC) interface,
// reachable as both the lsarpc and the efsrpc endpoint UUID.
package efs

import (
	"fmt"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/dcerpc"
	"firestige.xyz/dissect/internal/ndr"
	"firestige.xyz/dissect/internal/wire"
	"firestige.xyz/dissect/pkg/plugin"
)

// Name is the plugin name used in configuration.
const Name = "efs"

// Endpoint UUIDs: EFSRPC over lsarpc, and the dedicated efsrpc pipe.
var (
	UUID       = ndr.MustParseUUID("c681d488-d850-11d0-8c52-00c04fd90f7e")
	EfsrpcUUID = ndr.MustParseUUID("df1941c5-fe89-4e79-bf10-463657acf44d")
)

// Version is the interface major version.
const Version = 1

// Opnums.
const (
	OpOpenFileRaw    = 0
	OpReadFileRaw    = 1
	OpWriteFileRaw   = 2
	OpCloseRaw       = 3
	OpEncryptFileSrv = 4
	OpDecryptFileSrv = 5
)

// Config holds the plugin settings.
type Config struct {
	DisplayName string `mapstructure:"display_name"`
	// Register the efsrpc endpoint UUID as well.
	Efsrpc bool `mapstructure:"efsrpc"`
}

// Plugin registers EFSRPC with a dcerpc registry.
type Plugin struct {
	cfg Config
}

// New creates the EFS plugin with the efsrpc endpoint enabled.
func New() plugin.Plugin {
	return &Plugin{cfg: Config{DisplayName: "EFS", Efsrpc: true}}
}

// Metadata describes the plugin.
func (p *Plugin) Metadata() plugin.Metadata {
	return plugin.Metadata{
		Name:        Name,
		Type:        plugin.TypeInterface,
		Version:     "1.0",
		Description: "Encrypting File System Remote Protocol",
	}
}

// Init applies the plugin settings.
func (p *Plugin) Init(cfg map[string]any) error {
	return plugin.DecodeConfig(cfg, &p.cfg)
}

// Install registers the lsarpc UUID and, unless disabled, the efsrpc UUID.
func (p *Plugin) Install(reg *dcerpc.Registry) error {
	if err := reg.RegisterInterface(UUID, Version, p.cfg.DisplayName, Operations()); err != nil {
		return err
	}
	if !p.cfg.Efsrpc {
		return nil
	}
	return reg.RegisterInterface(EfsrpcUUID, Version, p.cfg.DisplayName, Operations())
}

// Operations returns the raw-access and encrypt/decrypt operations.
func Operations() []dcerpc.Operation {
	return []dcerpc.Operation{
		{Opnum: OpOpenFileRaw, Name: "EfsRpcOpenFileRaw", Request: openFileRawRequest, Response: handleAndStatus},
		{Opnum: OpReadFileRaw, Name: "EfsRpcReadFileRaw", Request: handleOnly, Response: pipeAndStatus},
		{Opnum: OpWriteFileRaw, Name: "EfsRpcWriteFileRaw", Request: writeFileRawRequest, Response: statusOnly},
		{Opnum: OpCloseRaw, Name: "EfsRpcCloseRaw", Request: handleOnly, Response: handleOnly},
		{Opnum: OpEncryptFileSrv, Name: "EfsRpcEncryptFileSrv", Request: fileName, Response: statusOnly},
		{Opnum: OpDecryptFileSrv, Name: "EfsRpcDecryptFileSrv", Request: decryptFileSrvRequest, Response: statusOnly},
	}
}

var openFlagNames = []struct {
	bit  uint32
	name string
}{
	{0x01, "CREATE_FOR_IMPORT"},
	{0x02, "CREATE_FOR_DIR"},
	{0x04, "OVERWRITE_HIDDEN"},
	{0x10, "EFS_DROP_ALTERNATE_STREAMS"},
}

func fileName(c *ndr.Context, off int, tree *core.Node, cc dcerpc.CallContext) (int, error) {
	off, err := c.Pointer(off, tree, ndr.ModeData, ndr.WStringPointer(ndr.Ref, "File Name"))
	if err != nil {
		return off, err
	}
	if rc, ok := cc.(*dcerpc.RequestContext); ok && rc.Pinfo != nil {
		if n := tree.Find("File Name"); n != nil && n.Value != nil {
			rc.Pinfo.AddInfo(fmt.Sprintf("%v", n.Value))
		}
	}
	return off, nil
}

func openFileRawRequest(c *ndr.Context, off int, tree *core.Node, cc dcerpc.CallContext) (int, error) {
	off, err := fileName(c, off, tree, cc)
	if err != nil {
		return off, err
	}
	flags, next, err := c.Uint32(off, tree, ndr.ModeData, "Flags")
	if err != nil {
		return next, err
	}
	n := tree.Find("Flags")
	for _, f := range openFlagNames {
		if flags&f.bit != 0 {
			n.Add(f.name, true, wire.Align(off, 4), 4)
		}
	}
	return next, nil
}

func decryptFileSrvRequest(c *ndr.Context, off int, tree *core.Node, cc dcerpc.CallContext) (int, error) {
	off, err := fileName(c, off, tree, cc)
	if err != nil {
		return off, err
	}
	_, off, err = c.Uint32(off, tree, ndr.ModeData, "Open Flag")
	return off, err
}

func writeFileRawRequest(c *ndr.Context, off int, tree *core.Node, _ dcerpc.CallContext) (int, error) {
	_, off, err := c.ContextHandle(off, tree, ndr.ModeData, "Context Handle")
	if err != nil {
		return off, err
	}
	return pipe(c, off, tree, "EFS Raw Data")
}

func handleOnly(c *ndr.Context, off int, tree *core.Node, _ dcerpc.CallContext) (int, error) {
	_, off, err := c.ContextHandle(off, tree, ndr.ModeData, "Context Handle")
	return off, err
}

func handleAndStatus(c *ndr.Context, off int, tree *core.Node, cc dcerpc.CallContext) (int, error) {
	off, err := handleOnly(c, off, tree, cc)
	if err != nil {
		return off, err
	}
	return statusOnly(c, off, tree, cc)
}

func pipeAndStatus(c *ndr.Context, off int, tree *core.Node, cc dcerpc.CallContext) (int, error) {
	off, err := pipe(c, off, tree, "EFS Raw Data")
	if err != nil {
		return off, err
	}
	return statusOnly(c, off, tree, cc)
}

func statusOnly(c *ndr.Context, off int, tree *core.Node, _ dcerpc.CallContext) (int, error) {
	_, off, err := c.WERROR(off, tree, ndr.ModeData, "Return code")
	return off, err
}

// pipe decodes an NDR pipe of bytes: chunks of (count, bytes) ending with
// an empty chunk.
func pipe(c *ndr.Context, off int, tree *core.Node, name string) (int, error) {
	node := tree.Add(name, nil, off, 0)
	start := off
	total := 0
	for {
		count, next, err := c.Uint32(off, node, ndr.ModeData, "Chunk Length")
		if err != nil {
			return next, err
		}
		off = next
		if count == 0 {
			break
		}
		if err := c.Buf.Check(off, int(count)); err != nil {
			return off, err
		}
		node.Add("Chunk", int(count), off, int(count))
		off += int(count)
		total += int(count)
	}
	node.SetValue(total)
	node.SetLength(off - start)
	return off, nil
}
