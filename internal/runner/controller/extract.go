package controller

import (
	"regexp"
	"strings"
)

// tagStrippers remove protocol regions from a step's output before it is
// stored as a markdown artifact.
var tagStrippers = []*regexp.Regexp{
	regexp.MustCompile(`(?s)<tool_call>.*?</tool_call>`),
	regexp.MustCompile(`(?s)<tool_result>.*?</tool_result>`),
	regexp.MustCompile(`(?s)<mailbox_to_[a-z_]+>.*?</mailbox_to_[a-z_]+>`),
	regexp.MustCompile(`(?s)<feedback>.*?</feedback>`),
	regexp.MustCompile(`(?s)<broadcast>.*?</broadcast>`),
}

// extractMarkdown strips protocol tags and returns the remaining text.
func extractMarkdown(output string) string {
	for _, p := range tagStrippers {
		output = p.ReplaceAllString(output, "")
	}
	return strings.TrimSpace(output)
}

var jsonFence = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// extractJSON pulls the strategy document out of a Synthesize output. A
// fenced ```json block wins; otherwise the first balanced top-level object
// is returned. Empty string means no JSON object was found.
func extractJSON(output string) string {
	if m := jsonFence.FindStringSubmatch(output); m != nil {
		return strings.TrimSpace(m[1])
	}

	start := strings.IndexByte(output, '{')
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(output); i++ {
		c := output[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return output[start : i+1]
			}
		}
	}
	return ""
}
