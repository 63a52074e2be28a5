package adapters

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/flomonster/sentryhub/pkg/models"
)

// PromoteTextToolCalls applies the text-as-tool-call fallback: some models
// emit tool invocations as prose of the form "<toolName>\n{...json...}"
// instead of structured tool calls. After a turn ends with zero structured
// tool calls but non-empty text, each text block is scanned against the
// declared tool names; on the first balanced JSON object following
// "<toolName>\n" the block is re-synthesized into a tool_use block and the
// text block is removed so a replay can't execute it twice.
//
// Returns the rewritten blocks and whether any promotion happened (callers
// reclassify the turn's stopReason to tool_use when it did).
func PromoteTextToolCalls(blocks []models.Block, toolNames []string) ([]models.Block, bool) {
	if len(toolNames) == 0 {
		return blocks, false
	}
	promoted := false
	out := make([]models.Block, 0, len(blocks))
	for _, b := range blocks {
		if promoted || b.Type != models.BlockText {
			out = append(out, b)
			continue
		}
		name, input, ok := scanTextToolCall(b.Text, toolNames)
		if !ok {
			out = append(out, b)
			continue
		}
		out = append(out, models.Block{
			Type:      models.BlockToolUse,
			ToolUseID: "fallback_" + uuid.New().String(),
			ToolName:  name,
			ToolInput: input,
		})
		promoted = true
	}
	return out, promoted
}

// scanTextToolCall looks for any declared tool name occupying a whole line
// with a balanced JSON object starting on a following line.
func scanTextToolCall(text string, toolNames []string) (string, json.RawMessage, bool) {
	for _, name := range toolNames {
		idx := findNameLine(text, name)
		if idx < 0 {
			continue
		}
		rest := text[idx+len(name):]
		// skip to the opening brace, tolerating whitespace/newlines between
		// the name line and the object
		braceOffset := strings.IndexByte(rest, '{')
		if braceOffset < 0 {
			continue
		}
		if strings.TrimSpace(rest[:braceOffset]) != "" {
			continue
		}
		obj, ok := scanBalancedObject(rest[braceOffset:])
		if !ok {
			continue
		}
		if !json.Valid([]byte(obj)) {
			continue
		}
		return name, json.RawMessage(obj), true
	}
	return "", nil, false
}

// findNameLine returns the offset of the first occurrence of name that
// occupies its own line (possibly the first line), or -1.
func findNameLine(text, name string) int {
	from := 0
	for {
		idx := strings.Index(text[from:], name)
		if idx < 0 {
			return -1
		}
		idx += from
		lineStart := idx == 0 || text[idx-1] == '\n'
		end := idx + len(name)
		lineEnd := end == len(text) || text[end] == '\n' || text[end] == '\r'
		if lineStart && lineEnd {
			return idx
		}
		from = end
	}
}

// scanBalancedObject scans a balanced-brace JSON object from the start of s,
// respecting string literals and escape sequences. Returns the object text
// and whether a balanced close was found.
func scanBalancedObject(s string) (string, bool) {
	if len(s) == 0 || s[0] != '{' {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
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
				return s[:i+1], true
			}
		}
	}
	return "", false
}
