//go:build !windows

package preflight

// checkVolumeExists is a no-op on Unix, every path hangs off "/".
func checkVolumeExists(path string) error {
	return nil
}
