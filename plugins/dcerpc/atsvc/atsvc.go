// Package atsvc decodes the AT scheduler service (ATSvc) interface.
package atsvc

import (
	"fmt"
	"strings"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/dcerpc"
	"firestige.xyz/dissect/internal/ndr"
	"firestige.xyz/dissect/pkg/plugin"
)

// Name is the plugin name used in configuration.
const Name = "atsvc"

// UUID identifies the ATSvc interface.
var UUID = ndr.MustParseUUID("1ff70682-0a51-30e8-076d-740be8cee98b")

// Version is the interface major version.
const Version = 1

// Opnums.
const (
	OpJobAdd     = 0
	OpJobDel     = 1
	OpJobEnum    = 2
	OpJobGetInfo = 3
)

// Config holds the plugin settings.
type Config struct {
	DisplayName string `mapstructure:"display_name"`
}

// Plugin registers ATSvc with a dcerpc registry.
type Plugin struct {
	display string
}

// New creates the ATSvc plugin.
func New() plugin.Plugin {
	return &Plugin{display: "ATSVC"}
}

// Metadata describes the plugin.
func (p *Plugin) Metadata() plugin.Metadata {
	return plugin.Metadata{
		Name:        Name,
		Type:        plugin.TypeInterface,
		Version:     "1.0",
		Description: "Microsoft AT-Scheduler Service",
	}
}

// Init applies the plugin settings.
func (p *Plugin) Init(cfg map[string]any) error {
	var c Config
	if err := plugin.DecodeConfig(cfg, &c); err != nil {
		return err
	}
	if c.DisplayName != "" {
		p.display = c.DisplayName
	}
	return nil
}

// Install registers the interface and its operations.
func (p *Plugin) Install(reg *dcerpc.Registry) error {
	return reg.RegisterInterface(UUID, Version, p.display, Operations())
}

// Operations returns the ATSvc operation table.
func Operations() []dcerpc.Operation {
	return []dcerpc.Operation{
		{Opnum: OpJobAdd, Name: "NetrJobAdd", Request: jobAddRequest, Response: jobAddResponse},
		{Opnum: OpJobDel, Name: "NetrJobDel", Request: jobDelRequest, Response: statusResponse},
		{Opnum: OpJobEnum, Name: "NetrJobEnum", Request: jobEnumRequest, Response: jobEnumResponse},
		{Opnum: OpJobGetInfo, Name: "NetrJobGetInfo", Request: jobGetInfoRequest, Response: jobGetInfoResponse},
	}
}

var serverName = ndr.WStringPointer(ndr.Unique, "Server")

func jobAddRequest(c *ndr.Context, off int, tree *core.Node, _ dcerpc.CallContext) (int, error) {
	off, err := c.Pointer(off, tree, ndr.ModeData, serverName)
	if err != nil {
		return off, err
	}
	return c.Pointer(off, tree, ndr.ModeData, ndr.Pointer{Kind: ndr.Ref, Name: "Job Info", Fn: atInfo})
}

func jobAddResponse(c *ndr.Context, off int, tree *core.Node, _ dcerpc.CallContext) (int, error) {
	_, off, err := c.Uint32(off, tree, ndr.ModeData, "Job ID")
	if err != nil {
		return off, err
	}
	return status(c, off, tree)
}

func jobDelRequest(c *ndr.Context, off int, tree *core.Node, _ dcerpc.CallContext) (int, error) {
	off, err := c.Pointer(off, tree, ndr.ModeData, serverName)
	if err != nil {
		return off, err
	}
	if _, off, err = c.Uint32(off, tree, ndr.ModeData, "Min Job ID"); err != nil {
		return off, err
	}
	_, off, err = c.Uint32(off, tree, ndr.ModeData, "Max Job ID")
	return off, err
}

func jobEnumRequest(c *ndr.Context, off int, tree *core.Node, _ dcerpc.CallContext) (int, error) {
	off, err := c.Pointer(off, tree, ndr.ModeData, serverName)
	if err != nil {
		return off, err
	}
	off, err = c.Pointer(off, tree, ndr.ModeData, ndr.Pointer{Kind: ndr.Ref, Name: "Enum Container", Fn: enumContainer})
	if err != nil {
		return off, err
	}
	if _, off, err = c.Uint32(off, tree, ndr.ModeData, "Preferred Max Length"); err != nil {
		return off, err
	}
	return c.Pointer(off, tree, ndr.ModeData, resumeHandle)
}

func jobEnumResponse(c *ndr.Context, off int, tree *core.Node, _ dcerpc.CallContext) (int, error) {
	off, err := c.Pointer(off, tree, ndr.ModeData, ndr.Pointer{Kind: ndr.Ref, Name: "Enum Container", Fn: enumContainer})
	if err != nil {
		return off, err
	}
	if _, off, err = c.Uint32(off, tree, ndr.ModeData, "Total Entries"); err != nil {
		return off, err
	}
	if off, err = c.Pointer(off, tree, ndr.ModeData, resumeHandle); err != nil {
		return off, err
	}
	return status(c, off, tree)
}

func jobGetInfoRequest(c *ndr.Context, off int, tree *core.Node, _ dcerpc.CallContext) (int, error) {
	off, err := c.Pointer(off, tree, ndr.ModeData, serverName)
	if err != nil {
		return off, err
	}
	_, off, err = c.Uint32(off, tree, ndr.ModeData, "Job ID")
	return off, err
}

func jobGetInfoResponse(c *ndr.Context, off int, tree *core.Node, _ dcerpc.CallContext) (int, error) {
	off, err := c.Pointer(off, tree, ndr.ModeData, ndr.Pointer{
		Kind: ndr.Unique,
		Name: "Job Info",
		Fn:   atInfo,
	})
	if err != nil {
		return off, err
	}
	return status(c, off, tree)
}

func statusResponse(c *ndr.Context, off int, tree *core.Node, _ dcerpc.CallContext) (int, error) {
	return status(c, off, tree)
}

func status(c *ndr.Context, off int, tree *core.Node) (int, error) {
	_, off, err := c.WERROR(off, tree, ndr.ModeData, "Return code")
	return off, err
}

var resumeHandle = ndr.Pointer{Kind: ndr.Unique, Name: "Resume Handle", Fn: ndr.Uint32Func("Resume Handle")}

// atInfo decodes AT_INFO.
func atInfo(c *ndr.Context, off int, tree *core.Node, mode ndr.Mode) (int, error) {
	return c.Struct(off, tree, mode, "AT_INFO", 4, func(c *ndr.Context, off int, node *core.Node, mode ndr.Mode) (int, error) {
		return jobFields(c, off, node, mode)
	})
}

// atEnum decodes AT_ENUM, an AT_INFO preceded by its job id.
func atEnum(c *ndr.Context, off int, tree *core.Node, mode ndr.Mode) (int, error) {
	return c.Struct(off, tree, mode, "AT_ENUM", 4, func(c *ndr.Context, off int, node *core.Node, mode ndr.Mode) (int, error) {
		id, off, err := c.Uint32(off, node, mode, "Job ID")
		if err != nil {
			return off, err
		}
		if mode == ndr.ModeData {
			node.SetValue(fmt.Sprintf("Job %d", id))
		}
		return jobFields(c, off, node, mode)
	})
}

func jobFields(c *ndr.Context, off int, node *core.Node, mode ndr.Mode) (int, error) {
	ms, off, err := c.Uint32(off, node, mode, "Job Time")
	if err != nil {
		return off, err
	}
	month, off, err := c.Uint32(off, node, mode, "Days Of Month")
	if err != nil {
		return off, err
	}
	week, off, err := c.Uint8(off, node, mode, "Days Of Week")
	if err != nil {
		return off, err
	}
	flags, off, err := c.Uint8(off, node, mode, "Flags")
	if err != nil {
		return off, err
	}
	if mode == ndr.ModeData {
		node.Find("Job Time").SetValue(JobTime(ms))
		node.Find("Days Of Month").SetValue(daysOfMonth(month))
		node.Find("Days Of Week").SetValue(describe(uint32(week), weekdays))
		node.Find("Flags").SetValue(describe(uint32(flags), jobFlags))
	}
	return c.Pointer(off, node, mode, ndr.WStringPointer(ndr.Unique, "Command"))
}

// JobTime renders milliseconds since midnight.
func JobTime(ms uint32) string {
	s := ms / 1000
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, s/60%60, s%60)
}

// enumContainer decodes AT_ENUM_CONTAINER.
func enumContainer(c *ndr.Context, off int, tree *core.Node, mode ndr.Mode) (int, error) {
	return c.Struct(off, tree, mode, "", 4, func(c *ndr.Context, off int, node *core.Node, mode ndr.Mode) (int, error) {
		_, off, err := c.Uint32(off, node, mode, "Entries Read")
		if err != nil {
			return off, err
		}
		return c.Pointer(off, node, mode, ndr.Pointer{
			Kind: ndr.Unique,
			Name: "Jobs",
			Fn: func(c *ndr.Context, off int, tree *core.Node, mode ndr.Mode) (int, error) {
				return c.UCArray(off, tree, mode, "AT_ENUM array", atEnum)
			},
		})
	})
}

var weekdays = []string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"}

var jobFlags = []string{"Run periodically", "Exec error", "Runs today", "Add current date", "Noninteractive"}

func describe(v uint32, names []string) string {
	var set []string
	for i, name := range names {
		if v&(1<<i) != 0 {
			set = append(set, name)
		}
	}
	if len(set) == 0 {
		return fmt.Sprintf("0x%02x", v)
	}
	return fmt.Sprintf("0x%02x (%s)", v, strings.Join(set, ", "))
}

func daysOfMonth(v uint32) string {
	var set []string
	for i := 0; i < 31; i++ {
		if v&(1<<i) != 0 {
			set = append(set, fmt.Sprint(i+1))
		}
	}
	if len(set) == 0 {
		return fmt.Sprintf("0x%08x", v)
	}
	return fmt.Sprintf("0x%08x (%s)", v, strings.Join(set, ", "))
}
