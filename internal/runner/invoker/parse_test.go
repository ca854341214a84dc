package invoker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseToolCalls(t *testing.T) {
	t.Run("well formed single call", func(t *testing.T) {
		calls := parseToolCalls(`Let me check. <tool_call>read_artifact {"name": "plan.md"}</tool_call>`)
		require.Len(t, calls, 1)
		assert.Equal(t, "read_artifact", calls[0].Name)
		assert.Equal(t, "plan.md", calls[0].Args["name"])
	})

	t.Run("multiple calls preserve order", func(t *testing.T) {
		calls := parseToolCalls(
			`<tool_call>list_cycles {}</tool_call> then <tool_call>read_memory {"agent": "planner"}</tool_call>`)
		require.Len(t, calls, 2)
		assert.Equal(t, "list_cycles", calls[0].Name)
		assert.Equal(t, "read_memory", calls[1].Name)
	})

	t.Run("missing closing tag recovered by fallback", func(t *testing.T) {
		calls := parseToolCalls(`<tool_call>http_get {"url": "https://example.com"}`)
		require.Len(t, calls, 1)
		assert.Equal(t, "http_get", calls[0].Name)
		assert.Equal(t, "https://example.com", calls[0].Args["url"])
	})

	t.Run("fallback does not duplicate well formed calls", func(t *testing.T) {
		calls := parseToolCalls(`<tool_call>list_cycles {}</tool_call>`)
		require.Len(t, calls, 1)
		assert.Equal(t, "list_cycles", calls[0].Name)
	})

	t.Run("malformed argument json yields empty args", func(t *testing.T) {
		calls := parseToolCalls(`<tool_call>read_memory {"agent": planner}</tool_call>`)
		require.Len(t, calls, 1)
		assert.Equal(t, "read_memory", calls[0].Name)
		assert.Empty(t, calls[0].Args)
	})

	t.Run("missing args object yields empty args", func(t *testing.T) {
		calls := parseToolCalls(`<tool_call>list_cycles</tool_call>`)
		require.Len(t, calls, 1)
		assert.Equal(t, "list_cycles", calls[0].Name)
		assert.Empty(t, calls[0].Args)
	})

	t.Run("no calls", func(t *testing.T) {
		assert.Empty(t, parseToolCalls("Here is the final plan.\n\n## Focus Assets\n- BTC/USD"))
	})

	t.Run("nested json arguments", func(t *testing.T) {
		calls := parseToolCalls(`<tool_call>write_artifact {"name": "plan.md", "content": "{\"a\": 1}"}</tool_call>`)
		require.Len(t, calls, 1)
		assert.Equal(t, "plan.md", calls[0].Args["name"])
	})
}
