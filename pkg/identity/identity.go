// Package identity carries ServerIdentity and ClusterInfo: the immutable
// descriptors handed to both supervisors (naming/logging) and test
// clients (connection), per spec.md §3 and §6.
package identity

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/core-tools/galvan/pkg/errors"
)

// StartupCommandSupplier is re-invoked at each start, so the caller can
// re-resolve paths (spec.md §3).
type StartupCommandSupplier func(ctx context.Context) (argv []string, err error)

// ServerIdentity is immutable once constructed.
type ServerIdentity struct {
	Name             string
	WorkingDirectory string
	HeapMegabytes    int
	DebugPort        int // 0 = disabled
	Properties       map[string]string
	StartupCommand   StartupCommandSupplier
}

// Validate checks the static (non-function) fields of the identity.
func (id ServerIdentity) Validate() error {
	if id.Name == "" {
		return errors.NewConfigInvalidError("server name is required", nil)
	}
	if id.WorkingDirectory == "" {
		return errors.NewConfigInvalidError("working directory is required", nil).WithContext("server", id.Name)
	}
	if id.HeapMegabytes <= 0 {
		return errors.NewConfigInvalidError("heap size must be positive", nil).
			WithContext("server", id.Name).WithContext("heap_mb", id.HeapMegabytes)
	}
	if id.DebugPort < 0 {
		return errors.NewConfigInvalidError("debug port cannot be negative", nil).
			WithContext("server", id.Name).WithContext("debug_port", id.DebugPort)
	}
	return nil
}

// Endpoint is the connection metadata a test client needs to reach a
// server, independent of the supervision side of things.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// ClusterInfo is the set of server identities and endpoint metadata handed
// to both supervisors and test clients (spec.md §2 Cluster Info).
type ClusterInfo struct {
	Servers   []ServerIdentity
	Endpoints map[string]Endpoint // keyed by server name
}

// Encode renders the cluster descriptor as a ';'-delimited concatenation
// of per-server tokens, per spec.md §6. Decode returns the servers in the
// order Encode wrote them.
func Encode(info ClusterInfo) string {
	tokens := make([]string, 0, len(info.Servers))
	for _, server := range info.Servers {
		endpoint := info.Endpoints[server.Name]
		tokens = append(tokens, fmt.Sprintf("%s,%s,%d", server.Name, endpoint.Host, endpoint.Port))
	}
	return strings.Join(tokens, ";")
}

// Decode parses a descriptor produced by Encode. It round-trips with
// Encode up to server ordering and to the fields Encode actually carries
// (name + endpoint); full ServerIdentity reconstruction is out of scope
// for the wire descriptor, which spec.md §6 defines purely in terms of
// "servers by name and endpoint".
func Decode(descriptor string) (ClusterInfo, error) {
	info := ClusterInfo{Endpoints: make(map[string]Endpoint)}
	if descriptor == "" {
		return info, nil
	}
	for _, token := range strings.Split(descriptor, ";") {
		parts := strings.Split(token, ",")
		if len(parts) != 3 {
			return ClusterInfo{}, errors.NewConfigInvalidError(
				"malformed cluster descriptor token", nil).WithContext("token", token)
		}
		name, host, portStr := parts[0], parts[1], parts[2]
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return ClusterInfo{}, errors.NewConfigInvalidError(
				"malformed cluster descriptor port", err).WithContext("token", token)
		}
		info.Servers = append(info.Servers, ServerIdentity{Name: name})
		info.Endpoints[name] = Endpoint{Host: host, Port: port}
	}
	return info, nil
}
