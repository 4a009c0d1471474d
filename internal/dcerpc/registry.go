package dcerpc

import (
	"fmt"
	"sort"
	"sync"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/ndr"
	"firestige.xyz/dissect/internal/wire"
)

// CallContext is what a stub or verifier dissector learns about the PDU it
// is called for. It is one of *RequestContext, *ResponseContext or
// *AuthContext.
type CallContext interface {
	callContext()
}

// RequestContext accompanies request stub dissection.
type RequestContext struct {
	Call      *CallRecord // Nil for connectionless calls seen mid-activity
	Interface *Interface
	Opnum     uint16
	Object    ndr.UUID
	Pinfo     *core.PacketInfo
}

// ResponseContext accompanies response stub dissection.
type ResponseContext struct {
	Call      *CallRecord
	Interface *Interface
	Opnum     uint16
	Pinfo     *core.PacketInfo
}

// AuthContext accompanies verifier dissection and decryption.
type AuthContext struct {
	PacketType PacketType
	CallID     uint32
	Type       AuthType
	Level      AuthLevel
	ContextID  uint32
	Pinfo      *core.PacketInfo
}

func (*RequestContext) callContext()  {}
func (*ResponseContext) callContext() {}
func (*AuthContext) callContext()     {}

// StubFunc decodes the stub of one request or response and returns the
// offset after the last consumed byte.
type StubFunc func(c *ndr.Context, off int, tree *core.Node, cc CallContext) (int, error)

// Operation is one entry of an interface's operation table.
type Operation struct {
	Opnum    uint16
	Name     string
	Request  StubFunc
	Response StubFunc
}

// Interface is a registered operation table.
type Interface struct {
	Name       string
	UUID       ndr.UUID
	Version    uint16 // Major version
	Operations []Operation
	byOpnum    map[uint16]*Operation
}

// Operation returns the operation for opnum, or nil.
func (i *Interface) Operation(opnum uint16) *Operation {
	if i == nil {
		return nil
	}
	return i.byOpnum[opnum]
}

// AuthFunc dissects a verifier. buf is the verifier alone.
type AuthFunc func(buf *wire.Buffer, off int, tree *core.Node, ac *AuthContext) (int, error)

// DecryptFunc returns the plaintext of privacy protected stub data.
type DecryptFunc func(data []byte, ac *AuthContext) ([]byte, error)

// AuthHandler is the set of hooks of one security provider. Every hook is
// optional.
type AuthHandler struct {
	Name             string
	Bind             AuthFunc
	BindAck          AuthFunc
	Auth3            AuthFunc
	RequestVerifier  AuthFunc
	ResponseVerifier AuthFunc
	DecryptRequest   DecryptFunc
	DecryptResponse  DecryptFunc
}

// AuthRegistration describes one registered handler.
type AuthRegistration struct {
	Level   AuthLevel
	Type    AuthType
	Handler *AuthHandler
}

type ifaceKey struct {
	uuid  ndr.UUID
	major uint16
}

type authKey struct {
	level AuthLevel
	typ   AuthType
}

// Registry holds operation tables and auth handlers. It is filled at
// startup and read-only afterwards.
type Registry struct {
	mu     sync.RWMutex
	ifaces map[ifaceKey]*Interface
	auth   map[authKey]*AuthHandler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		ifaces: make(map[ifaceKey]*Interface),
		auth:   make(map[authKey]*AuthHandler),
	}
}

// RegisterInterface installs an operation table under (uuid, major version).
func (r *Registry) RegisterInterface(uuid ndr.UUID, major uint16, name string, ops []Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := ifaceKey{uuid, major}
	if _, exists := r.ifaces[key]; exists {
		return fmt.Errorf("%w: %s v%d", core.ErrDuplicateInterface, uuid, major)
	}
	iface := &Interface{
		Name:       name,
		UUID:       uuid,
		Version:    major,
		Operations: ops,
		byOpnum:    make(map[uint16]*Operation, len(ops)),
	}
	for i := range iface.Operations {
		op := &iface.Operations[i]
		iface.byOpnum[op.Opnum] = op
	}
	r.ifaces[key] = iface
	return nil
}

// Lookup returns the interface registered for (uuid, major), or nil.
func (r *Registry) Lookup(uuid ndr.UUID, major uint16) *Interface {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ifaces[ifaceKey{uuid, major}]
}

// Interfaces returns every registered interface ordered by name.
func (r *Registry) Interfaces() []*Interface {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Interface, 0, len(r.ifaces))
	for _, i := range r.ifaces {
		out = append(out, i)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Name != out[b].Name {
			return out[a].Name < out[b].Name
		}
		return out[a].Version < out[b].Version
	})
	return out
}

// RegisterAuthHandler installs h for (level, type), replacing any earlier one.
func (r *Registry) RegisterAuthHandler(level AuthLevel, typ AuthType, h *AuthHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.auth[authKey{level, typ}] = h
}

// AuthHandler returns the handler for (level, type), or nil.
func (r *Registry) AuthHandler(level AuthLevel, typ AuthType) *AuthHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.auth[authKey{level, typ}]
}

// AuthHandlers lists every registration ordered by type then level.
func (r *Registry) AuthHandlers() []AuthRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]AuthRegistration, 0, len(r.auth))
	for k, h := range r.auth {
		out = append(out, AuthRegistration{Level: k.level, Type: k.typ, Handler: h})
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Type != out[b].Type {
			return out[a].Type < out[b].Type
		}
		return out[a].Level < out[b].Level
	})
	return out
}

// interfaceName names a binding for display even when nothing is registered.
func (r *Registry) interfaceName(uuid ndr.UUID, v Version) string {
	if i := r.Lookup(uuid, v.Major); i != nil {
		return i.Name
	}
	return uuid.String()
}
