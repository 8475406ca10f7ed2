// Package jsonrecover extracts a JSON object from model output that may be
// wrapped in markdown fences or surrounded by prose.
package jsonrecover

import (
	"regexp"
	"strings"
)

type Strategy string

const (
	StrategyDirect  Strategy = "direct"
	StrategyFence   Strategy = "fence"
	StrategyCleaned Strategy = "cleaned"
	StrategyScan    Strategy = "scan"
	StrategyNone    Strategy = "none"
)

var (
	jsonFencePattern  = regexp.MustCompile("(?is)```json\\s*(.*?)```")
	plainFencePattern = regexp.MustCompile("(?s)```[A-Za-z0-9_+-]*[ \\t]*\\n?(.*?)```")

	// Objects are assumed to be single level; a nested object yields a
	// truncated candidate that fails to parse and is skipped.
	objectPattern = regexp.MustCompile(`\{[^}]+\}`)
)

type Result struct {
	Object   Object
	Strategy Strategy
}

// Recover never fails: when no strategy succeeds the result holds an empty
// object and StrategyNone.
func Recover(text string) Result {
	if obj, err := ParseObject(text); err == nil {
		return Result{Object: obj, Strategy: StrategyDirect}
	}

	for _, block := range fencedBlocks(text) {
		if obj, err := ParseObject(strings.TrimSpace(block)); err == nil {
			return Result{Object: obj, Strategy: StrategyFence}
		}
	}

	cleaned := CleanFences(text)
	if obj, err := ParseObject(cleaned); err == nil {
		return Result{Object: obj, Strategy: StrategyCleaned}
	}

	for _, candidate := range objectPattern.FindAllString(cleaned, -1) {
		if obj, err := ParseObject(candidate); err == nil {
			return Result{Object: obj, Strategy: StrategyScan}
		}
	}

	return Result{Object: Object{}, Strategy: StrategyNone}
}

// fencedBlocks returns the inner content of ```json fences, or of plain
// fences when there are no json-tagged ones.
func fencedBlocks(text string) []string {
	matches := jsonFencePattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		matches = plainFencePattern.FindAllStringSubmatch(text, -1)
	}
	blocks := make([]string, 0, len(matches))
	for _, m := range matches {
		blocks = append(blocks, m[1])
	}
	return blocks
}

// CleanFences unwraps every fenced block to its content and trims the result.
func CleanFences(text string) string {
	cleaned := jsonFencePattern.ReplaceAllString(text, "$1")
	cleaned = plainFencePattern.ReplaceAllString(cleaned, "$1")
	cleaned = strings.ReplaceAll(cleaned, "```", "")
	return strings.TrimSpace(cleaned)
}
