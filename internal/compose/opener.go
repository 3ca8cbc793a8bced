package compose

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/osteele/liquid"
)

var liquidEngine = liquid.NewEngine()

// Spin resolves spintax alternatives: "{Hi|Hello} there" picks one option
// per group. Groups can nest. Braces without a pipe (liquid tags, literal
// text) and unmatched braces pass through unchanged.
func Spin(text string, rng *rand.Rand) string {
	for {
		open := -1
		for i := 0; i < len(text); i++ {
			switch text[i] {
			case '{':
				open = i
			case '}':
				if open >= 0 {
					inner := text[open+1 : i]
					if !strings.Contains(inner, "|") {
						// Not spintax (liquid braces, literal text): leave intact.
						open = -1
						continue
					}
					options := strings.Split(inner, "|")
					choice := options[rng.Intn(len(options))]
					text = text[:open] + choice + text[i+1:]
					open = -2 // restart scan
				}
			}
			if open == -2 {
				break
			}
		}
		if open != -2 {
			return text
		}
	}
}

// RenderOpener renders the campaign opener template for one target.
// Spintax runs first so liquid only sees the chosen variant. Template
// variables: first_name, handle.
func RenderOpener(template string, rng *rand.Rand, firstName, handle string) (string, error) {
	spun := Spin(template, rng)
	out, err := liquidEngine.ParseAndRenderString(spun, liquid.Bindings{
		"first_name": firstName,
		"handle":     handle,
	})
	if err != nil {
		return "", fmt.Errorf("render opener: %w", err)
	}
	return strings.TrimSpace(out), nil
}
