// Package template renders step parameters against a task's payload.
package template

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"text/template"
	"time"
)

// NeedsTemplating reports whether s contains template actions.
func NeedsTemplating(s string) bool {
	return strings.Contains(s, "{{")
}

// RenderString executes templateStr against data and returns the raw text.
// Form values must keep their exact text, so nothing is coerced.
func RenderString(templateStr string, data any) (string, error) {
	tmpl, err := template.
		New("param").
		Option("missingkey=zero").
		Funcs(funcs()).
		Parse(templateStr)
	if err != nil {
		return "", fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	var buf strings.Builder

	err = tmpl.Execute(&buf, data)
	if err != nil {
		return "", fmt.Errorf("failed to execute template '%s': %w", templateStr, err)
	}

	return strings.ReplaceAll(buf.String(), "<no value>", ""), nil
}

// Render executes templateStr and coerces the output to JSON, a number or a boolean
// when it looks like one.
func Render(templateStr string, data any) (any, error) {
	result, err := RenderString(templateStr, data)
	if err != nil {
		return nil, err
	}

	result = strings.TrimSpace(result)
	if (strings.HasPrefix(result, "{") && strings.HasSuffix(result, "}")) ||
		(strings.HasPrefix(result, "[") && strings.HasSuffix(result, "]")) {
		var jsonResult any

		err := json.Unmarshal([]byte(result), &jsonResult)
		if err != nil {
			return nil, fmt.Errorf("failed to parse json '%s': %w", templateStr, err)
		}

		return jsonResult, nil
	}

	if num, err := strconv.ParseFloat(result, 64); err == nil {
		return num, nil
	}

	if b, err := strconv.ParseBool(result); err == nil {
		return b, nil
	}

	return result, nil
}

// RenderParams renders every string value of params, recursing into nested maps.
// Values without template actions are returned untouched.
func RenderParams(params map[string]any, data any) (map[string]any, error) {
	out := make(map[string]any, len(params))

	for key, value := range params {
		switch v := value.(type) {
		case string:
			if !NeedsTemplating(v) {
				out[key] = v

				continue
			}

			rendered, err := RenderString(v, data)
			if err != nil {
				return nil, fmt.Errorf("param %s: %w", key, err)
			}

			out[key] = rendered
		case map[string]any:
			nested, err := RenderParams(v, data)
			if err != nil {
				return nil, fmt.Errorf("param %s: %w", key, err)
			}

			out[key] = nested
		default:
			out[key] = v
		}
	}

	return out, nil
}

func funcs() template.FuncMap {
	return template.FuncMap{
		"now": func() string {
			return time.Now().UTC().Format(time.RFC3339)
		},
		"date": func(layout string) string {
			return time.Now().Format(layout)
		},
		"upper": strings.ToUpper,
		"lower": strings.ToLower,
		"trim":  strings.TrimSpace,
		"default": func(fallback, value any) any {
			if value == nil || value == "" {
				return fallback
			}

			return value
		},
		"rand": func(n int) int {
			if n <= 0 {
				return 0
			}

			num := make([]byte, 1)

			_, err := rand.Read(num)
			if err != nil {
				return 0
			}

			return int(num[0]) % n
		},
	}
}
