package supervisor

import (
	"fmt"
	"os"
	"runtime"
	"sort"

	"github.com/core-tools/galvan/pkg/identity"
)

// resolveJavaHome resolves JAVA_HOME per spec.md §6: harness environment
// first, falling back to the harness's own runtime home. Called exactly
// once, at supervisor construction, and stashed: spec.md §9's "Global
// state" note classifies this as a process-global read that must not be
// re-consulted mid-run.
func resolveJavaHome() string {
	if home := os.Getenv("JAVA_HOME"); home != "" {
		return home
	}
	return runtime.GOROOT()
}

// buildEnv constructs the child's environment: the stashed JAVA_HOME, and
// JAVA_OPTS extended with heap flags, optional debug flags, and one -D per
// configured property, space-joined (spec.md §6).
func buildEnv(id identity.ServerIdentity, javaHome string) []string {
	env := os.Environ()
	env = append(env, "JAVA_HOME="+javaHome)

	opts := os.Getenv("JAVA_OPTS")
	opts += fmt.Sprintf(" -Xms%dm -Xmx%dm", id.HeapMegabytes, id.HeapMegabytes)

	if id.DebugPort > 0 {
		opts += fmt.Sprintf(" -Xdebug -Xrunjdwp:transport=dt_socket,server=y,address=%d", id.DebugPort)
	}

	keys := make([]string, 0, len(id.Properties))
	for k := range id.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		opts += fmt.Sprintf(" -D%s=%s", k, id.Properties[k])
	}

	env = append(env, "JAVA_OPTS="+opts)
	return env
}
