package retrieve

import (
	"sort"

	"github.com/quantlake/finsight/internal/corpus"
	"github.com/quantlake/finsight/internal/index"
)

// kRRF is the reciprocal rank fusion constant. 60 is the value from
// the original RRF paper and flattens the head of each list enough
// that one modality cannot dominate on rank 1 alone.
const kRRF = 60

// fuse merges the dense and sparse candidate lists with reciprocal
// rank fusion: fused = sum over lists of 1/(kRRF + rank), ranks
// 1-indexed. A candidate in one list only contributes a single term.
// Ties keep first-seen order, dense list scanned before sparse, so
// results are deterministic for identical inputs.
func fuse(dense, sparse []index.Hit) []corpus.RetrievalResult {
	type slot struct {
		result corpus.RetrievalResult
		seen   int // first-seen position across dense-then-sparse
	}
	byKey := make(map[string]*slot)
	order := 0

	add := func(h index.Hit, rank int, isDense bool) {
		id := h.Kind + "/" + h.Key
		s, ok := byKey[id]
		if !ok {
			s = &slot{result: resultFromHit(h), seen: order}
			byKey[id] = s
			order++
		}
		s.result.FusedScore += 1.0 / float64(kRRF+rank)
		score := h.Score
		if isDense {
			s.result.DenseScore = &score
		} else {
			s.result.LexicalScore = &score
		}
	}

	for i, h := range dense {
		add(h, i+1, true)
	}
	for i, h := range sparse {
		add(h, i+1, false)
	}

	slots := make([]*slot, 0, len(byKey))
	for _, s := range byKey {
		slots = append(slots, s)
	}
	sort.Slice(slots, func(i, j int) bool {
		if slots[i].result.FusedScore != slots[j].result.FusedScore {
			return slots[i].result.FusedScore > slots[j].result.FusedScore
		}
		return slots[i].seen < slots[j].seen
	})

	out := make([]corpus.RetrievalResult, len(slots))
	for i, s := range slots {
		out[i] = s.result
	}
	return out
}

func resultFromHit(h index.Hit) corpus.RetrievalResult {
	return corpus.RetrievalResult{
		Kind:          h.Kind,
		Key:           h.Key,
		Text:          h.Text,
		ContextPrefix: h.ContextPrefix,
		Title:         h.Title,
		SectionType:   h.SectionType,
		Symbol:        h.Symbol,
		FiscalYear:    h.FiscalYear,
		Quarter:       h.Quarter,
		SourceTable:   h.SourceTable,
		SourceID:      h.SourceID,
		PageStart:     h.PageStart,
		PageEnd:       h.PageEnd,
	}
}
