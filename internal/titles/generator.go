package titles

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"
)

const (
	fallbackMaxRunes = 100
	refinePrompt     = "Generate a short title (3-6 words) for a conversation that starts with this message. Reply with the title only, no quotes or punctuation at the end:\n\n%s"
)

// TextGenerator produces a single completion for a prompt.
type TextGenerator interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
}

type Generator struct {
	model      TextGenerator
	maxRetries int
	timeout    time.Duration
}

func NewGenerator(model TextGenerator, maxRetries int, timeout time.Duration) Generator {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return Generator{model: model, maxRetries: maxRetries, timeout: timeout}
}

// Fallback truncates the first prompt to a displayable title. It is what a
// conversation shows until refinement lands, and what it keeps if refinement
// never does.
func Fallback(prompt string) string {
	trimmed := strings.TrimSpace(prompt)
	if trimmed == "" {
		return ""
	}
	runes := []rune(trimmed)
	if len(runes) <= fallbackMaxRunes {
		return trimmed
	}
	return string(runes[:fallbackMaxRunes])
}

// Generate asks the model for a refined title. It returns the fallback when
// the model fails, times out, or produces nothing better than the fallback.
func (g Generator) Generate(ctx context.Context, prompt string) string {
	fallback := Fallback(prompt)
	if g.model == nil || strings.TrimSpace(prompt) == "" {
		return fallback
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		raw, err := g.model.GenerateText(ctx, fmt.Sprintf(refinePrompt, prompt))
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}

		title := cleanTitle(raw)
		if title == "" || title == fallback {
			continue
		}
		return title
	}

	if lastErr != nil {
		log.Printf("title refinement failed err=%v", lastErr)
	}
	return fallback
}

// RefineAsync refines the title on a detached goroutine and hands the result
// to onTitle only when it differs from the fallback. Failures are swallowed;
// the fallback title is already persisted.
func (g Generator) RefineAsync(prompt string, onTitle func(title string)) {
	if onTitle == nil {
		return
	}
	go func() {
		fallback := Fallback(prompt)
		title := g.Generate(context.Background(), prompt)
		if title == "" || title == fallback {
			return
		}
		onTitle(title)
	}()
}

func cleanTitle(raw string) string {
	title := strings.TrimSpace(raw)
	title = strings.Trim(title, `"'`)
	if idx := strings.IndexByte(title, '\n'); idx >= 0 {
		title = title[:idx]
	}
	title = strings.TrimSpace(title)
	runes := []rune(title)
	if len(runes) > fallbackMaxRunes {
		title = string(runes[:fallbackMaxRunes])
	}
	return title
}
