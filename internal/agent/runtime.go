package agent

import (
	"os"
	"os/exec"
	"path/filepath"
)

// DefaultRuntimeName is the agent runtime CLI looked up when none is configured.
const DefaultRuntimeName = "openclaw"

// ResolveBinary locates the runtime CLI for cron-like environments with a thin PATH.
// Order: configured value, PATH lookup, common install locations, bare name.
func ResolveBinary(configured string) string {
	if configured != "" {
		return configured
	}
	if found, err := exec.LookPath(DefaultRuntimeName); err == nil {
		return found
	}
	for _, candidate := range installCandidates() {
		if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
			return candidate
		}
	}
	return DefaultRuntimeName
}

func installCandidates() []string {
	candidates := []string{
		"/opt/homebrew/bin/" + DefaultRuntimeName,
		"/usr/local/bin/" + DefaultRuntimeName,
		"/usr/bin/" + DefaultRuntimeName,
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".local", "bin", DefaultRuntimeName))
	}
	return candidates
}
