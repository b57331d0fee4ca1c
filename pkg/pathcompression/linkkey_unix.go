//go:build !windows

package pathcompression

import "golang.org/x/sys/unix"

// linkKey identifies a file independently of the name it was reached by.
type linkKey struct {
	dev uint64
	ino uint64
}

// hardLinkKey returns the identity of a regular file and whether it has more
// than one name on disk.
func hardLinkKey(absPath string) (linkKey, bool, error) {
	var st unix.Stat_t
	if err := unix.Lstat(absPath, &st); err != nil {
		return linkKey{}, false, err
	}
	return linkKey{dev: uint64(st.Dev), ino: uint64(st.Ino)}, uint64(st.Nlink) > 1, nil
}
