package transcript

const (
	firstLastAssistantMax = 1000
	midAssistantMax       = 200
)

// Condense trims a conversation before it is saved:
//   - user turns are kept whole
//   - the first and last assistant turns are cut to 1000 characters
//   - assistant turns in between are cut to 200 characters
//
// Order is preserved. The input slice is not modified.
func Condense(turns []Turn) []Turn {
	if len(turns) == 0 {
		return nil
	}

	first, last := -1, -1
	for i, t := range turns {
		if t.Role == "assistant" {
			if first < 0 {
				first = i
			}
			last = i
		}
	}

	out := make([]Turn, 0, len(turns))
	for i, t := range turns {
		if t.Role == "assistant" {
			limit := midAssistantMax
			if i == first || i == last {
				limit = firstLastAssistantMax
			}
			t.Content = cut(t.Content, limit)
		}
		out = append(out, t)
	}
	return out
}

func cut(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
