package identity

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerIdentityValidate(t *testing.T) {
	valid := ServerIdentity{Name: "srv-a", WorkingDirectory: "/tmp", HeapMegabytes: 512}
	assert.NoError(t, valid.Validate())

	missingName := valid
	missingName.Name = ""
	assert.Error(t, missingName.Validate())

	missingDir := valid
	missingDir.WorkingDirectory = ""
	assert.Error(t, missingDir.Validate())

	badHeap := valid
	badHeap.HeapMegabytes = 0
	assert.Error(t, badHeap.Validate())

	badDebugPort := valid
	badDebugPort.DebugPort = -1
	assert.Error(t, badDebugPort.Validate())
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	info := ClusterInfo{
		Servers: []ServerIdentity{
			{Name: "srv-a"},
			{Name: "srv-b"},
		},
		Endpoints: map[string]Endpoint{
			"srv-a": {Host: "127.0.0.1", Port: 9001},
			"srv-b": {Host: "127.0.0.1", Port: 9002},
		},
	}

	descriptor := Encode(info)
	assert.Contains(t, descriptor, "srv-a,127.0.0.1,9001")
	assert.Contains(t, descriptor, "srv-b,127.0.0.1,9002")

	decoded, err := Decode(descriptor)
	require.NoError(t, err)
	require.Len(t, decoded.Servers, 2)
	assert.Equal(t, Endpoint{Host: "127.0.0.1", Port: 9001}, decoded.Endpoints["srv-a"])
	assert.Equal(t, Endpoint{Host: "127.0.0.1", Port: 9002}, decoded.Endpoints["srv-b"])
}

func TestDecodeEmptyDescriptor(t *testing.T) {
	info, err := Decode("")
	require.NoError(t, err)
	assert.Empty(t, info.Servers)
}

func TestDecodeMalformedToken(t *testing.T) {
	_, err := Decode("srv-a,127.0.0.1")
	assert.Error(t, err)

	_, err = Decode("srv-a,127.0.0.1,not-a-port")
	assert.Error(t, err)
}

func TestEndpointString(t *testing.T) {
	assert.Equal(t, "127.0.0.1:9001", Endpoint{Host: "127.0.0.1", Port: 9001}.String())
}

func TestLoadClusterConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cluster.yaml")
	contents := `
servers:
  - name: srv-a
    working_directory: /var/galvan/srv-a
    heap_mb: 512
    host: 127.0.0.1
    port: 9001
  - name: srv-b
    working_directory: /var/galvan/srv-b
    heap_mb: 512
    debug_port: 5005
    properties:
      some.flag: "true"
    host: 127.0.0.1
    port: 9002
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))

	config, err := LoadClusterConfig(path)
	require.NoError(t, err)
	require.Len(t, config.Servers, 2)
	assert.Equal(t, 5005, config.Servers[1].DebugPort)
	assert.Equal(t, "true", config.Servers[1].Properties["some.flag"])
}

func TestLoadClusterConfigRejectsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(path, []byte("servers: []\n"), 0644))

	_, err := LoadClusterConfig(path)
	assert.Error(t, err)
}

func TestLoadClusterConfigMissingFile(t *testing.T) {
	_, err := LoadClusterConfig("/nonexistent/path/cluster.yaml")
	assert.Error(t, err)
}

func TestClusterConfigToClusterInfoRequiresStartupCommand(t *testing.T) {
	config := ClusterConfig{Servers: []ServerConfig{
		{Name: "srv-a", WorkingDirectory: "/tmp", HeapMegabytes: 256},
	}}

	_, err := config.ToClusterInfo(map[string]StartupCommandSupplier{})
	assert.Error(t, err)

	supplier := func(ctx context.Context) ([]string, error) { return []string{"/bin/true"}, nil }
	info, err := config.ToClusterInfo(map[string]StartupCommandSupplier{"srv-a": supplier})
	require.NoError(t, err)
	require.Len(t, info.Servers, 1)
	assert.NotNil(t, info.Servers[0].StartupCommand)
}
