package streaming

import (
	"strings"

	"github.com/chroniclehq/chronicle/pkg/types"
)

// UnknownSpeaker labels word runs the provider could not attribute. Runs of
// unattributed words stay separate from neighbouring identified runs.
const UnknownSpeaker = "Unknown"

// NormalizeWords canonicalizes raw per-word maps from a provider payload into
// the shared Word shape. Providers disagree on timing field names — some emit
// start/end, others start_time/end_time — so both spellings are accepted, with
// start/end winning when a payload carries both.
func NormalizeWords(raw []map[string]any) []types.Word {
	if len(raw) == 0 {
		return nil
	}
	words := make([]types.Word, 0, len(raw))
	for _, m := range raw {
		w := types.Word{
			Word:       stringField(m, "word"),
			Confidence: floatField(m, "confidence"),
			Speaker:    stringField(m, "speaker"),
		}
		if v, ok := m["start"]; ok {
			w.Start = toFloat(v)
		} else {
			w.Start = floatField(m, "start_time")
		}
		if v, ok := m["end"]; ok {
			w.End = toFloat(v)
		} else {
			w.End = floatField(m, "end_time")
		}
		words = append(words, w)
	}
	return words
}

// GroupSegments folds diarized words into contiguous single-speaker segments.
// A run of words without a speaker label becomes its own segment labelled
// UnknownSpeaker rather than merging into the preceding identified run.
func GroupSegments(words []types.Word) []types.Segment {
	if len(words) == 0 {
		return nil
	}

	var segments []types.Segment
	var current *types.Segment
	for _, w := range words {
		speaker := w.Speaker
		if speaker == "" {
			speaker = UnknownSpeaker
		}
		if current == nil || current.Speaker != speaker {
			if current != nil {
				segments = append(segments, *current)
			}
			current = &types.Segment{
				Start:   w.Start,
				End:     w.End,
				Speaker: speaker,
			}
		}
		current.End = w.End
		current.Words = append(current.Words, w)
	}
	if current != nil {
		segments = append(segments, *current)
	}

	for i := range segments {
		parts := make([]string, len(segments[i].Words))
		for j, w := range segments[i].Words {
			parts[j] = w.Word
		}
		segments[i].Text = strings.Join(parts, " ")
	}
	return segments
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func floatField(m map[string]any, key string) float64 {
	return toFloat(m[key])
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}
