package plugin

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/dcerpc"
	"firestige.xyz/dissect/internal/ndr"
	plugin "firestige.xyz/dissect/pkg/plugin"
)

func TestManager_InitializeAndInstall(t *testing.T) {
	c := NewCatalog()
	atsvc := NewMockPlugin("atsvc", plugin.TypeInterface, nil)
	atsvc.uuid = ndr.MustParseUUID("1ff70682-0a51-30e8-076d-740be8cee98b")
	ntlm := NewMockPlugin("ntlmssp", plugin.TypeAuth, nil)
	_ = c.Add(atsvc)
	_ = c.Add(ntlm)

	m := NewManager(c)
	err := m.Initialize(map[string]map[string]any{
		"ntlmssp": {"levels": []string{"connect"}, "enabled": true},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"levels": []string{"connect"}}, ntlm.initConfig)
	assert.Empty(t, atsvc.initConfig)

	reg := dcerpc.NewRegistry()
	require.NoError(t, m.Install(reg))
	assert.Equal(t, 1, atsvc.installs)
	assert.NotNil(t, reg.Lookup(atsvc.uuid, 1))

	st, err := m.GetStatus("atsvc")
	require.NoError(t, err)
	assert.Equal(t, StateInstalled, st.State)
	assert.Len(t, m.GetAllStatuses(), 2)

	_, err = m.GetStatus("missing")
	assert.ErrorIs(t, err, core.ErrPluginNotFound)
}

func TestManager_Disabled(t *testing.T) {
	c := NewCatalog()
	p := NewMockPlugin("efs", plugin.TypeInterface, nil)
	_ = c.Add(p)

	m := NewManager(c)
	require.NoError(t, m.Initialize(map[string]map[string]any{"efs": {"enabled": false}}))
	require.NoError(t, m.Install(dcerpc.NewRegistry()))

	assert.Zero(t, p.initCalls)
	assert.Zero(t, p.installs)
	st, _ := m.GetStatus("efs")
	assert.Equal(t, StateDisabled, st.State)
}

func TestManager_DisabledDependency(t *testing.T) {
	c := NewCatalog()
	_ = c.Add(NewMockPlugin("ntlmssp", plugin.TypeAuth, nil))
	_ = c.Add(NewMockPlugin("spnego", plugin.TypeAuth, []string{"ntlmssp"}))

	m := NewManager(c)
	err := m.Initialize(map[string]map[string]any{"ntlmssp": {"enabled": false}})
	assert.ErrorIs(t, err, core.ErrPluginInitFailed)
	st, _ := m.GetStatus("spnego")
	assert.Equal(t, StateFailed, st.State)
}

func TestManager_InitError(t *testing.T) {
	c := NewCatalog()
	p := NewMockPlugin("kerberos", plugin.TypeAuth, nil)
	p.initError = errors.New("bad settings")
	_ = c.Add(p)

	m := NewManager(c)
	err := m.Initialize(nil)
	assert.ErrorIs(t, err, core.ErrPluginInitFailed)
	assert.ErrorContains(t, err, "bad settings")
	st, _ := m.GetStatus("kerberos")
	assert.Equal(t, StateFailed, st.State)
	assert.Equal(t, "bad settings", st.Error)
}

func TestManager_InstallConflict(t *testing.T) {
	c := NewCatalog()
	uuid := ndr.MustParseUUID("c681d488-d850-11d0-8c52-00c04fd90f7e")
	a := NewMockPlugin("a", plugin.TypeInterface, nil)
	b := NewMockPlugin("b", plugin.TypeInterface, nil)
	a.uuid, b.uuid = uuid, uuid
	_ = c.Add(a)
	_ = c.Add(b)

	m := NewManager(c)
	require.NoError(t, m.Initialize(nil))
	err := m.Install(dcerpc.NewRegistry())
	assert.ErrorIs(t, err, core.ErrDuplicateInterface)
}
