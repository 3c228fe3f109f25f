package command

import (
	"slices"

	"github.com/sahilm/fuzzy"
)

// minSuggestWord skips short filler words that match almost any keyword.
const minSuggestWord = 3

type keywordSource struct {
	keywords []string
	commands []Command
}

func (s keywordSource) String(i int) string { return s.keywords[i] }
func (s keywordSource) Len() int            { return len(s.keywords) }

// Suggest returns commands whose keywords fuzzily match words in text,
// best match first. It is meant for "did you mean" hints after Recognize
// found nothing and never affects recognition itself.
func (r *Recognizer) Suggest(text, language string, limit int) []Command {
	var src keywordSource
	for _, p := range r.patterns {
		if !p.AppliesTo(language) {
			continue
		}
		for _, kw := range p.Keywords {
			src.keywords = append(src.keywords, kw)
			src.commands = append(src.commands, p.Command)
		}
	}
	if src.Len() == 0 {
		return nil
	}

	best := make(map[Command]int)
	for _, word := range words(text) {
		if len(word) < minSuggestWord {
			continue
		}
		for _, m := range fuzzy.FindFrom(word, src) {
			cmd := src.commands[m.Index]
			if score, ok := best[cmd]; !ok || m.Score > score {
				best[cmd] = m.Score
			}
		}
	}

	out := make([]Command, 0, len(best))
	for cmd := range best {
		out = append(out, cmd)
	}
	slices.SortFunc(out, func(a, b Command) int {
		if best[a] != best[b] {
			return best[b] - best[a]
		}
		return int(a) - int(b)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
