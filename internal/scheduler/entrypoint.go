package scheduler

import (
	"fmt"
	"strings"
)

const (
	// depsInstallPath is where requested packages are installed inside the
	// container; the executor adds it to PYTHONPATH.
	depsInstallPath = "/opt/sandbox-venv"

	// depsStatusFile is polled by the executor and surfaced through its
	// health endpoint.
	depsStatusFile = depsInstallPath + "/.install-status"

	// DepsFailExitCode distinguishes a dependency install failure from an
	// executor crash when the container exits.
	DepsFailExitCode = 86

	// executorCommand is the fixed executor path baked into sandbox images.
	executorCommand = "/usr/local/bin/runbox-executor"
)

// dependencyEntrypoint wraps the executor launch in a shell script that
// installs the requested packages first. Install progress goes to the status
// file; on failure the container either exits with DepsFailExitCode or, when
// failOnError is false, starts the executor anyway with the failure recorded.
func dependencyEntrypoint(deps []string, installTimeoutSec int, failOnError, allowVersionConflicts bool) []string {
	quoted := make([]string, 0, len(deps))
	for _, dep := range deps {
		quoted = append(quoted, shellQuote(dep))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "mkdir -p %s\n", depsInstallPath)
	fmt.Fprintf(&sb, "printf installing > %s\n", depsStatusFile)
	fmt.Fprintf(&sb, "if timeout %d python3 -m pip install --no-input --target %s %s",
		installTimeoutSec, depsInstallPath, strings.Join(quoted, " "))
	if !allowVersionConflicts {
		fmt.Fprintf(&sb, " && python3 -m pip check")
	}
	sb.WriteString("; then\n")
	fmt.Fprintf(&sb, "  printf completed > %s\n", depsStatusFile)
	sb.WriteString("else\n")
	fmt.Fprintf(&sb, "  printf failed > %s\n", depsStatusFile)
	if failOnError {
		fmt.Fprintf(&sb, "  exit %d\n", DepsFailExitCode)
	}
	sb.WriteString("fi\n")
	fmt.Fprintf(&sb, "export PYTHONPATH=%s:\"${PYTHONPATH:-}\"\n", depsInstallPath)
	fmt.Fprintf(&sb, "exec %s\n", executorCommand)

	return []string{"/bin/sh", "-c", sb.String()}
}

// shellQuote single-quotes a string for inclusion in a shell command.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
