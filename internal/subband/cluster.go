package subband

import (
	"sort"
	"time"
)

// NearestGroup finds the candidate group whose timestamp lies closest to ts,
// provided the distance is within tolerance. Candidates that are not valid
// group identifiers are ignored.
//
// Returns ("", false) when no candidate qualifies. Ties break toward the
// earlier candidate so repeated scans of the same inputs are deterministic.
func NearestGroup(ts time.Time, candidates []string, tolerance time.Duration) (string, bool) {
	best := ""
	bestDelta := tolerance + 1
	var bestTime time.Time

	for _, id := range candidates {
		ct, err := ParseGroupID(id)
		if err != nil {
			continue
		}
		delta := ts.Sub(ct)
		if delta < 0 {
			delta = -delta
		}
		if delta > tolerance {
			continue
		}
		if delta < bestDelta || (delta == bestDelta && ct.Before(bestTime)) {
			best = id
			bestDelta = delta
			bestTime = ct
		}
	}

	return best, best != ""
}

// Cluster groups file infos whose timestamps lie within tolerance of the
// first member of each cluster, in timestamp order. The canonical identifier
// of each cluster is the timestamp of unit index 0 when that unit is present,
// otherwise the earliest member's timestamp.
//
// Clustering is a pure function of its inputs: the same files and tolerance
// always produce the same assignment regardless of the order files are given.
type Cluster struct {
	GroupID string
	Files   []FileInfo
}

func ClusterFiles(files []FileInfo, tolerance time.Duration) []Cluster {
	if len(files) == 0 {
		return nil
	}

	sorted := make([]FileInfo, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].ObservedAt.Equal(sorted[j].ObservedAt) {
			return sorted[i].ObservedAt.Before(sorted[j].ObservedAt)
		}
		return sorted[i].UnitIndex < sorted[j].UnitIndex
	})

	var clusters []Cluster
	start := 0
	for i := 1; i <= len(sorted); i++ {
		if i < len(sorted) && sorted[i].ObservedAt.Sub(sorted[start].ObservedAt) <= tolerance {
			continue
		}
		members := sorted[start:i]
		clusters = append(clusters, Cluster{
			GroupID: canonicalForCluster(members),
			Files:   append([]FileInfo(nil), members...),
		})
		start = i
	}

	return clusters
}

// canonicalForCluster applies the group naming convention: prefer the
// timestamp of unit index 0, fall back to the earliest member.
func canonicalForCluster(members []FileInfo) string {
	for _, f := range members {
		if f.UnitIndex == 0 {
			return f.GroupID
		}
	}
	return members[0].GroupID
}
