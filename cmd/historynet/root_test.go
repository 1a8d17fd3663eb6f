package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WebFirstLanguage/historynet/pkg/identity"
	"github.com/WebFirstLanguage/historynet/pkg/node"
)

func TestControlEndpoint(t *testing.T) {
	network, addr := controlEndpoint("127.0.0.1:9010")
	assert.Equal(t, "tcp", network)
	assert.Equal(t, "127.0.0.1:9010", addr)

	network, addr = controlEndpoint("unix:///tmp/historynet.sock")
	assert.Equal(t, "unix", network)
	assert.Equal(t, "/tmp/historynet.sock", addr)
}

func TestKeygen(t *testing.T) {
	home := t.TempDir()
	run := func(args ...string) (string, error) {
		cmd := rootCommand()
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetArgs(append(args, "--home", home))
		err := cmd.Execute()
		return out.String(), err
	}

	out, err := run("keygen")
	require.NoError(t, err)
	id, err := identity.LoadFromFile(filepath.Join(home, node.IdentityFileName))
	require.NoError(t, err)
	assert.Contains(t, out, id.NodeIDHex())

	_, err = run("keygen")
	assert.Error(t, err)

	_, err = run("keygen", "--force")
	require.NoError(t, err)
	replaced, err := identity.LoadFromFile(filepath.Join(home, node.IdentityFileName))
	require.NoError(t, err)
	assert.NotEqual(t, id.NodeIDHex(), replaced.NodeIDHex())
}

func TestVersion(t *testing.T) {
	cmd := rootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "historynet dev")
}
