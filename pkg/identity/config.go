package identity

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/core-tools/galvan/pkg/errors"
)

// ServerConfig is the YAML-serializable shape of a ServerIdentity. It
// carries every static field; StartupCommand is supplied in code by the
// embedding test program, since a startup-command supplier is a function
// value and has no wire representation (spec.md §3, SPEC_FULL.md §3).
type ServerConfig struct {
	Name             string            `yaml:"name"`
	WorkingDirectory string            `yaml:"working_directory"`
	HeapMegabytes    int               `yaml:"heap_mb"`
	DebugPort        int               `yaml:"debug_port,omitempty"`
	Properties       map[string]string `yaml:"properties,omitempty"`
	Host             string            `yaml:"host,omitempty"`
	Port             int               `yaml:"port,omitempty"`
}

// ClusterConfig is the on-disk cluster descriptor: a stricter alternative
// to the ';'-delimited wire encoding, which spec.md §6 explicitly allows
// ("Implementations may substitute a stricter encoding provided both
// sides agree").
type ClusterConfig struct {
	Servers []ServerConfig `yaml:"servers"`
}

// LoadClusterConfig reads and validates a ClusterConfig from a YAML file.
func LoadClusterConfig(path string) (ClusterConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ClusterConfig{}, errors.NewIOError("failed to read cluster config", err).WithContext("path", path)
	}

	var config ClusterConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return ClusterConfig{}, errors.NewConfigInvalidError("failed to parse cluster config", err).WithContext("path", path)
	}

	if len(config.Servers) == 0 {
		return ClusterConfig{}, errors.NewConfigInvalidError("cluster config has no servers", nil).WithContext("path", path)
	}

	return config, nil
}

// ToClusterInfo builds a ClusterInfo out of the static config, pairing
// each server with a StartupCommandSupplier the caller provides (keyed by
// server name), since the config file itself cannot describe a function.
func (c ClusterConfig) ToClusterInfo(startupCommands map[string]StartupCommandSupplier) (ClusterInfo, error) {
	info := ClusterInfo{Endpoints: make(map[string]Endpoint, len(c.Servers))}

	for _, server := range c.Servers {
		identity := ServerIdentity{
			Name:             server.Name,
			WorkingDirectory: server.WorkingDirectory,
			HeapMegabytes:    server.HeapMegabytes,
			DebugPort:        server.DebugPort,
			Properties:       server.Properties,
			StartupCommand:   startupCommands[server.Name],
		}
		if err := identity.Validate(); err != nil {
			return ClusterInfo{}, err
		}
		if identity.StartupCommand == nil {
			return ClusterInfo{}, errors.NewConfigInvalidError(
				"no startup command supplier provided for server", nil).WithContext("server", server.Name)
		}

		info.Servers = append(info.Servers, identity)
		info.Endpoints[server.Name] = Endpoint{Host: server.Host, Port: server.Port}
	}

	return info, nil
}
