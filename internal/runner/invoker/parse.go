package invoker

import (
	"encoding/json"
	"regexp"
	"sort"

	"github.com/crypton-sys/crypton/internal/runner/tools"
)

// toolCallPattern matches a well-formed call:
// <tool_call>NAME {"json": "args"}</tool_call>
var toolCallPattern = regexp.MustCompile(`(?s)<tool_call>\s*([A-Za-z0-9_]+)\s*(\{.*?\})?\s*</tool_call>`)

// toolCallFallback tolerates the common malformed case where the model
// forgets the closing tag. The argument object ends at the first closing
// brace; deeply nested arguments in an unterminated call degrade to empty
// args, which still executes the tool.
var toolCallFallback = regexp.MustCompile(`(?s)<tool_call>\s*([A-Za-z0-9_]+)\s*(\{.*?\})?`)

type parsedCall struct {
	offset int
	call   tools.Call
}

// parseToolCalls extracts tool calls from an assistant response in order of
// appearance. The primary pattern runs first; the fallback pattern recovers
// unterminated calls; duplicates are suppressed by starting offset. Argument
// JSON that fails to parse yields an empty args object — the tool still runs.
func parseToolCalls(response string) []tools.Call {
	byOffset := make(map[int]parsedCall)

	collect := func(pattern *regexp.Regexp) {
		for _, m := range pattern.FindAllStringSubmatchIndex(response, -1) {
			start := m[0]
			if _, seen := byOffset[start]; seen {
				continue
			}
			name := response[m[2]:m[3]]
			args := map[string]interface{}{}
			if m[4] >= 0 {
				if err := json.Unmarshal([]byte(response[m[4]:m[5]]), &args); err != nil {
					args = map[string]interface{}{}
				}
			}
			byOffset[start] = parsedCall{offset: start, call: tools.Call{Name: name, Args: args}}
		}
	}
	collect(toolCallPattern)
	collect(toolCallFallback)

	ordered := make([]parsedCall, 0, len(byOffset))
	for _, pc := range byOffset {
		ordered = append(ordered, pc)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].offset < ordered[j].offset })

	calls := make([]tools.Call, len(ordered))
	for i, pc := range ordered {
		calls[i] = pc.call
	}
	return calls
}
