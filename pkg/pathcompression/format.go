package pathcompression

import (
	"fmt"
	"strings"

	"github.com/paulschiretz/pgl-archive/pkg/util"
)

// Format represents the container and codec of an archive file.
type Format string

const (
	TarZst Format = "tar.zst"
	TarGz  Format = "tar.gz"
	Tar    Format = "tar"
	Zip    Format = "zip"
)

var formatToString = map[Format]string{
	TarZst: "tar.zst",
	TarGz:  "tar.gz",
	Tar:    "tar",
	Zip:    "zip",
}

var stringToFormat map[string]Format

func init() {
	stringToFormat = util.InvertMap(formatToString)
}

// extensionFormats is checked in order, longer suffixes first so that
// ".tar.zst" is not mistaken for ".tar".
var extensionFormats = []struct {
	suffix string
	format Format
}{
	{".tar.zst", TarZst},
	{".tzst", TarZst},
	{".tar.gz", TarGz},
	{".tgz", TarGz},
	{".tar", Tar},
	{".zip", Zip},
}

func (f Format) String() string {
	if str, ok := formatToString[f]; ok {
		return str
	}
	return fmt.Sprintf("unknown_compression_format(%s)", string(f))
}

func ParseFormat(s string) (Format, error) {
	if format, ok := stringToFormat[s]; ok {
		return format, nil
	}
	return "", fmt.Errorf("invalid compression format: %q. Must be 'tar.zst', 'tar.gz', 'tar' or 'zip'", s)
}

// FormatFromExtension picks the format matching the suffix of an archive
// extension such as ".tar.zst". The match is case-insensitive.
func FormatFromExtension(ext string) (Format, error) {
	lower := strings.ToLower(ext)
	for _, ef := range extensionFormats {
		if strings.HasSuffix(lower, ef.suffix) {
			return ef.format, nil
		}
	}
	return "", fmt.Errorf("cannot infer archive format from extension %q; set the format explicitly", ext)
}
