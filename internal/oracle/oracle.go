// Package oracle abstracts the colony's decision oracle: given a
// structured prompt it returns free text or a JSON value conforming to
// a requested shape. Every call site owns a deterministic fallback;
// oracle failure never fails a pipeline stage.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Prompt is one oracle request. Schema, when set, is appended to the
// system message so the oracle answers in that JSON shape.
type Prompt struct {
	System string
	User   string
	Schema string
}

// Oracle answers prompts. Implementations must be safe for concurrent
// use.
type Oracle interface {
	Complete(ctx context.Context, p Prompt) (string, error)
}

// CompleteJSON asks the oracle for a JSON answer and unmarshals it into
// out. Code fences around the answer are tolerated and stripped.
func CompleteJSON(ctx context.Context, o Oracle, p Prompt, out any) error {
	if p.Schema != "" {
		p.System = strings.TrimSpace(p.System + "\n\nAnswer with JSON matching: " + p.Schema)
	}
	answer, err := o.Complete(ctx, p)
	if err != nil {
		return err
	}
	cleaned := stripFences(answer)
	if err := json.Unmarshal([]byte(cleaned), out); err != nil {
		return fmt.Errorf("oracle answer is not valid JSON: %w", err)
	}
	return nil
}

// stripFences removes a surrounding ```json ... ``` block if present.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
