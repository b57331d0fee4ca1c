package joblist

import (
	"fmt"

	"github.com/paulschiretz/pgl-archive/pkg/util"
)

// Mode selects how a job's source tree is split into archives.
type Mode int

const (
	// WholeTree produces a single archive of the entire source directory.
	WholeTree Mode = iota
	// PerSubfolder produces one archive per immediate subdirectory of the source.
	PerSubfolder
)

// PerSubfolderMarker is the third-field token that selects PerSubfolder.
const PerSubfolderMarker = "S"

var modeToString = map[Mode]string{
	WholeTree:    "whole-tree",
	PerSubfolder: "per-subfolder",
}

func (m Mode) String() string {
	if str, ok := modeToString[m]; ok {
		return str
	}
	return fmt.Sprintf("unknown_mode(%d)", m)
}

// MarkerPolicy controls how unrecognized mode markers are treated.
type MarkerPolicy string

const (
	// Lenient treats any marker other than PerSubfolderMarker as WholeTree.
	Lenient MarkerPolicy = "lenient"
	// Strict rejects unknown non-empty markers with a ConfigFormatError.
	Strict MarkerPolicy = "strict"
)

var policyToString = map[MarkerPolicy]string{
	Lenient: "lenient",
	Strict:  "strict",
}

var stringToPolicy map[string]MarkerPolicy

func init() {
	stringToPolicy = util.InvertMap(policyToString)
}

func (p MarkerPolicy) String() string {
	if str, ok := policyToString[p]; ok {
		return str
	}
	return fmt.Sprintf("unknown_marker_policy(%s)", string(p))
}

// ParseMarkerPolicy parses a policy name. An empty string yields Lenient.
func ParseMarkerPolicy(s string) (MarkerPolicy, error) {
	if s == "" {
		return Lenient, nil
	}
	if p, ok := stringToPolicy[s]; ok {
		return p, nil
	}
	return "", fmt.Errorf("invalid mode marker policy: %q. Must be 'lenient' or 'strict'", s)
}
