package container

import "os"

// bindMount attaches hostPath at target. The process backend runs
// unprivileged application code directly on the host, so a true
// bind-mount (which needs CAP_SYS_ADMIN) is unavailable; a symlink gives
// the application the same path-based view of the host directory.
// Backends with elevated privileges (e.g. a namespaced container runtime)
// would perform a real mount(2) here instead.
func bindMount(hostPath, target string, readOnly bool) error {
	_ = readOnly // a symlink carries no write-protection of its own
	if _, err := os.Lstat(target); err == nil {
		os.Remove(target)
	}
	return os.Symlink(hostPath, target)
}
