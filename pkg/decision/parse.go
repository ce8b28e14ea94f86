package decision

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gregtusar/autotrader/pkg/models"
)

// ErrMalformedResponse marks reasoning output that holds no usable action
// array. It is retried by the pipeline.
var ErrMalformedResponse = fmt.Errorf("%w: malformed response", models.ErrDecisionValidation)

var quoteRepair = strings.NewReplacer(
	"“", `"`,
	"”", `"`,
	"‘", "'",
	"’", "'",
)

// Parsed is a reasoning response split into its free-text reasoning and the
// action array that follows it.
type Parsed struct {
	Reasoning string
	Actions   []models.Action
}

// ParseResponse extracts the action array from raw. The reasoning is the text
// before the array. Empty output, a bare null, output with no decodable
// array, and arrays with unknown action kinds are all malformed.
func ParseResponse(raw string) (Parsed, error) {
	text := strings.TrimSpace(quoteRepair.Replace(raw))
	if text == "" || text == "null" {
		return Parsed{}, fmt.Errorf("%w: empty response", ErrMalformedResponse)
	}

	var lastErr error = fmt.Errorf("%w: no JSON array found", ErrMalformedResponse)
	for offset := 0; offset < len(text); {
		start := strings.IndexByte(text[offset:], '[')
		if start < 0 {
			break
		}
		start += offset

		end := matchBracket(text, start)
		if end < 0 {
			lastErr = fmt.Errorf("%w: unterminated JSON array", ErrMalformedResponse)
			break
		}

		actions, err := decodeActions(text[start : end+1])
		if err == nil {
			return Parsed{
				Reasoning: strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(text[:start]), "```json")),
				Actions:   actions,
			}, nil
		}
		lastErr = err
		offset = start + 1
	}
	return Parsed{Reasoning: text}, lastErr
}

// matchBracket returns the index of the bracket closing the one at start,
// ignoring brackets inside JSON strings, or -1.
func matchBracket(text string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
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
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func decodeActions(raw string) ([]models.Action, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &elems); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	actions := make([]models.Action, 0, len(elems))
	for i, elem := range elems {
		var action models.Action
		if err := json.Unmarshal(elem, &action); err != nil {
			return nil, fmt.Errorf("%w: action %d: %v", ErrMalformedResponse, i, err)
		}
		action.Symbol = strings.ToUpper(strings.TrimSpace(action.Symbol))
		action.Kind = models.ActionKind(strings.ToLower(strings.TrimSpace(string(action.Kind))))
		if !action.Kind.Valid() {
			return nil, fmt.Errorf("%w: action %d: unknown kind %q", ErrMalformedResponse, i, action.Kind)
		}
		actions = append(actions, action)
	}
	return actions, nil
}
