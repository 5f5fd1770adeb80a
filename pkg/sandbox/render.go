package sandbox

import (
	"regexp"
	"strings"
)

// Rendering is a tagged-template pass over validated arguments: each
// {argName} placeholder is replaced inside its own token, so an argument
// can never widen the command beyond the slot its author gave it. No
// free-form string concatenation happens anywhere in the sandbox.

var placeholderRe = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// unsafeChars are characters able to break out of a token boundary when
// the rendered value later reaches a shell, a path, or a URL.
const unsafeChars = "`$|&;<>(){}[]!*?~#\\\"'\n\r\x00"

// SanitizeValue rejects argument values containing shell metacharacters or
// path traversal sequences. This is a denylist pass over the value itself,
// applied before any substitution.
func SanitizeValue(value string) error {
	if strings.ContainsAny(value, unsafeChars) {
		return rejectf("value contains forbidden character")
	}
	if strings.Contains(value, "..") {
		return rejectf("value contains path traversal sequence")
	}
	return nil
}

// RenderCommand substitutes validated arguments into a script command
// template, returning the argv token list. The template is tokenized
// first; substitution happens per token. Unresolved placeholders are a
// rejection, not an empty string.
func RenderCommand(template string, args map[string]string) ([]string, error) {
	tokens := strings.Fields(template)
	if len(tokens) == 0 {
		return nil, rejectf("empty command template")
	}
	out := make([]string, 0, len(tokens))
	for _, token := range tokens {
		rendered, err := renderToken(token, args)
		if err != nil {
			return nil, err
		}
		out = append(out, rendered)
	}
	return out, nil
}

// RenderURL substitutes validated arguments into a URL template.
func RenderURL(template string, args map[string]string) (string, error) {
	return renderToken(template, args)
}

func renderToken(token string, args map[string]string) (string, error) {
	var rejection error
	rendered := placeholderRe.ReplaceAllStringFunc(token, func(m string) string {
		name := m[1 : len(m)-1]
		value, ok := args[name]
		if !ok {
			if rejection == nil {
				rejection = rejectf("unresolved placeholder {%s}", name)
			}
			return m
		}
		if err := SanitizeValue(value); err != nil {
			if rejection == nil {
				rejection = rejectf("argument %q: %v", name, err)
			}
			return m
		}
		return value
	})
	if rejection != nil {
		return "", rejection
	}
	return rendered, nil
}
