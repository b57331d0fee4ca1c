//go:build windows

package pathcompression

import "golang.org/x/sys/windows"

// linkKey identifies a file independently of the name it was reached by.
type linkKey struct {
	volume uint32
	index  uint64
}

// hardLinkKey returns the identity of a regular file and whether it has more
// than one name on disk.
func hardLinkKey(absPath string) (linkKey, bool, error) {
	p, err := windows.UTF16PtrFromString(absPath)
	if err != nil {
		return linkKey{}, false, err
	}
	h, err := windows.CreateFile(p, 0,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE|windows.FILE_SHARE_DELETE,
		nil, windows.OPEN_EXISTING,
		windows.FILE_FLAG_BACKUP_SEMANTICS|windows.FILE_FLAG_OPEN_REPARSE_POINT, 0)
	if err != nil {
		return linkKey{}, false, err
	}
	defer windows.CloseHandle(h)

	var d windows.ByHandleFileInformation
	if err := windows.GetFileInformationByHandle(h, &d); err != nil {
		return linkKey{}, false, err
	}
	key := linkKey{
		volume: d.VolumeSerialNumber,
		index:  uint64(d.FileIndexHigh)<<32 | uint64(d.FileIndexLow),
	}
	return key, d.NumberOfLinks > 1, nil
}
