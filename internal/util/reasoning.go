package util

import (
	"regexp"
	"strings"
)

var (
	reasoningBlock = regexp.MustCompile(`(?is)<(think|thinking|reasoning|思考)>(.*?)</(?:think|thinking|reasoning|思考)>`)
	// an opening tag the model never closed, usually because max_tokens cut it off
	reasoningOpen = regexp.MustCompile(`(?is)<(?:think|thinking|reasoning|思考)>`)
)

// SplitReasoning separates reasoning blocks from the final answer. Text after an
// unclosed reasoning tag counts as reasoning, so a truncated response has no answer.
func SplitReasoning(raw string) (reasoning, answer string) {
	var parts []string
	for _, m := range reasoningBlock.FindAllStringSubmatch(raw, -1) {
		parts = append(parts, strings.TrimSpace(m[2]))
	}
	answer = reasoningBlock.ReplaceAllString(raw, "")
	if loc := reasoningOpen.FindStringIndex(answer); loc != nil {
		parts = append(parts, strings.TrimSpace(answer[loc[1]:]))
		answer = answer[:loc[0]]
	}
	return strings.Join(parts, "\n"), strings.TrimSpace(answer)
}
