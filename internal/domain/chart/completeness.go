package chart

import (
	"github.com/clinic/chartmerge/pkg/entities"
)

// Score computes the completeness of every clinical area over entries.
// An area with no entries scores 0.
func Score(entries []*Entry) map[entities.Area]AreaScore {
	out := make(map[entities.Area]AreaScore, len(entities.Areas))
	for _, area := range entities.Areas {
		out[area] = AreaScore{}
	}
	for _, e := range entries {
		s := out[e.Area]
		s.Total++
		if entities.Complete(e.Entity) {
			s.Complete++
		}
		out[e.Area] = s
	}
	for area, s := range out {
		if s.Total > 0 {
			s.Score = s.Complete * 100 / s.Total
			out[area] = s
		}
	}
	return out
}

// Ratchet merges freshly computed scores with the stored ones. The stored
// score of an area only goes down when the area is in cleared; counts
// always follow next.
func Ratchet(prev, next map[entities.Area]AreaScore, cleared map[entities.Area]bool) map[entities.Area]AreaScore {
	out := make(map[entities.Area]AreaScore, len(next))
	for area, s := range next {
		if old, ok := prev[area]; ok && !cleared[area] && old.Score > s.Score {
			s.Score = old.Score
		}
		out[area] = s
	}
	return out
}
