// Package plugins registers all built-in plugins.
package plugins

import (
	"firestige.xyz/dissect/pkg/plugin"
	"firestige.xyz/dissect/plugins/auth/kerberos"
	"firestige.xyz/dissect/plugins/auth/ntlmssp"
	"firestige.xyz/dissect/plugins/auth/spnego"
	"firestige.xyz/dissect/plugins/dcerpc/atsvc"
	"firestige.xyz/dissect/plugins/dcerpc/efs"
)

func init() {
	// Interface plugins
	plugin.Register(atsvc.Name, atsvc.New)
	plugin.Register(efs.Name, efs.New)

	// Security providers
	plugin.Register(ntlmssp.Name, ntlmssp.New)
	plugin.Register(kerberos.Name, kerberos.New)
	plugin.Register(spnego.Name, spnego.New)
}
