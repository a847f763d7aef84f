package evaluation

import (
	"fmt"
	"strings"
)

const promptTemplate = `You are a Filipino language evaluator.
Evaluate the following Filipino sentence based on:
1. Grammar correctness
2. Coherence and flow
3. Creativity
4. Relevance to the image description

Image description:
%q

Sentence:
%q

Give a total score from %d to %d (just the number, no explanation).`

// BuildPrompt renders the scoring prompt with both inputs cut to their rune budgets.
func BuildPrompt(text, stageContext string, cfg Config) string {
	text = truncateRunes(strings.TrimSpace(text), cfg.MaxTextRunes)
	stageContext = truncateRunes(strings.TrimSpace(stageContext), cfg.MaxContextRunes)
	return fmt.Sprintf(promptTemplate, stageContext, text, cfg.MinScore, cfg.MaxScore)
}

// truncateRunes cuts s to at most n runes; n <= 0 means no limit.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
