// Package transcript reads JSONL conversation logs into turns for SaveState.
package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
)

// Turn is one message of a conversation.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// entry is one JSONL line. Two shapes are accepted: a wrapped record
// ({"type":"user","message":{"role":...,"content":...}}) and a bare message
// ({"role":...,"content":...}).
type entry struct {
	Type    string          `json:"type"`
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Message json.RawMessage `json:"message"`
}

type message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"` // string or []contentItem
}

type contentItem struct {
	Type string `json:"type"` // "text", "tool_use", "tool_result"
	Text string `json:"text,omitempty"`
}

// minTurnLen drops acknowledgements like "ok" that carry no memory value.
const minTurnLen = 5

var systemReminderRe = regexp.MustCompile(`<system-reminder>[\s\S]*?</system-reminder>`)

// ParseFile reads a JSONL transcript file.
func ParseFile(path string) ([]Turn, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads JSONL turns from r. Malformed lines, tool payloads and turns
// shorter than five characters are skipped.
func Parse(r io.Reader) ([]Turn, error) {
	var turns []Turn
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024) // 1MB line buffer

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		turn, err := parseLine([]byte(line))
		if err != nil {
			continue // skip malformed lines
		}
		if turn != nil {
			turns = append(turns, *turn)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan transcript: %w", err)
	}
	return turns, nil
}

func parseLine(line []byte) (*Turn, error) {
	var e entry
	if err := json.Unmarshal(line, &e); err != nil {
		return nil, err
	}

	msg := message{Role: e.Role, Content: e.Content}
	if e.Message != nil {
		if err := json.Unmarshal(e.Message, &msg); err != nil {
			return nil, err
		}
	}
	role := msg.Role
	if role == "" {
		role = e.Type
	}
	if role == "" || msg.Content == nil {
		return nil, nil
	}

	text := extractText(msg.Content)
	text = systemReminderRe.ReplaceAllString(text, "")
	text = strings.TrimSpace(text)

	if len(text) < minTurnLen {
		return nil, nil
	}
	if strings.HasPrefix(text, "{") {
		return nil, nil
	}
	return &Turn{Role: strings.ToLower(role), Content: text}, nil
}

// extractText handles the polymorphic content field.
// It may be a plain string or an array of content items.
func extractText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var items []contentItem
	if err := json.Unmarshal(raw, &items); err == nil {
		var texts []string
		for _, item := range items {
			if item.Type == "text" && item.Text != "" {
				texts = append(texts, item.Text)
			}
		}
		return strings.Join(texts, "\n")
	}
	return ""
}

// CountRole returns the number of turns with the given role.
func CountRole(turns []Turn, role string) int {
	count := 0
	for _, t := range turns {
		if t.Role == role {
			count++
		}
	}
	return count
}
