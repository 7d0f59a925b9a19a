// Package subband handles the filename-encoded identity of sub-band files.
//
// A sub-band file is named "<timestamp>_sb<NN>.hdf5", where the timestamp is
// the observation time in "2006-01-02T15:04:05" form and NN is the zero-based
// sub-band index within the observation. Everything this package knows about
// a file comes from its name; the binary content is opaque to the pipeline.
package subband

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/arrayops/subflow/internal/resilience"
)

// GroupIDLayout is the canonical timestamp format used for group identifiers.
const GroupIDLayout = "2006-01-02T15:04:05"

// mjdEpochDays is the Modified Julian Date of the Unix epoch (1970-01-01).
const mjdEpochDays = 40587.0

var filePattern = regexp.MustCompile(
	`(\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2})_sb(\d{2})\.hdf5$`,
)

// FileInfo is the identity extracted from a sub-band filename.
type FileInfo struct {
	Path       string
	GroupID    string // canonical timestamp of the file itself
	UnitIndex  int
	UnitCode   string // raw sub-band tag, e.g. "sb05"
	ObservedAt time.Time
}

// ObservedMJD returns the observation time as a Modified Julian Date.
// The fractional day form sorts correctly as a plain float column.
func (f FileInfo) ObservedMJD() float64 {
	return mjdEpochDays + float64(f.ObservedAt.Unix())/86400.0
}

// Parse extracts sub-band identity from a file path.
//
// Returns a parse-kind error for filenames that do not match the sub-band
// pattern. Parse failures are never fatal to the stream: callers log and
// skip the file.
func Parse(path string) (FileInfo, error) {
	m := filePattern.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return FileInfo{}, resilience.Parsef("filename %q does not match sub-band pattern", filepath.Base(path))
	}

	ts, err := time.Parse(GroupIDLayout, m[1])
	if err != nil {
		return FileInfo{}, resilience.Parsef("invalid timestamp %q: %v", m[1], err)
	}

	idx, err := strconv.Atoi(m[2])
	if err != nil {
		// Unreachable given the pattern, but keep the error path honest.
		return FileInfo{}, resilience.Parsef("invalid sub-band index %q: %v", m[2], err)
	}

	return FileInfo{
		Path:       path,
		GroupID:    ts.UTC().Format(GroupIDLayout),
		UnitIndex:  idx,
		UnitCode:   fmt.Sprintf("sb%02d", idx),
		ObservedAt: ts.UTC(),
	}, nil
}

// ParseGroupID parses a canonical group identifier back into a timestamp.
func ParseGroupID(id string) (time.Time, error) {
	ts, err := time.Parse(GroupIDLayout, id)
	if err != nil {
		return time.Time{}, resilience.Parsef("invalid group id %q: %v", id, err)
	}
	return ts.UTC(), nil
}

// CanonicalID formats a timestamp as a canonical group identifier.
func CanonicalID(t time.Time) string {
	return t.UTC().Format(GroupIDLayout)
}

// FileName returns the canonical filename for a sub-band observed at the
// given group timestamp.
func FileName(groupID string, unitIndex int) string {
	return fmt.Sprintf("%s_sb%02d.hdf5", groupID, unitIndex)
}
