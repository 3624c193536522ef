// internal/service/template_service.go
package service

import (
	"regexp"
	"strings"
)

var tokenPattern = regexp.MustCompile(`\{([^{}\n]+)\}`)

// RenderTemplate substitutes {name} tokens with the matching value of data.
// A token without a value renders as an empty string. Names match exactly
// first, then case-insensitively.
func RenderTemplate(template string, data map[string]string) string {
	var folded map[string]string
	return tokenPattern.ReplaceAllStringFunc(template, func(token string) string {
		name := strings.TrimSpace(token[1 : len(token)-1])
		if v, ok := data[name]; ok {
			return v
		}
		if folded == nil {
			folded = make(map[string]string, len(data))
			for k, v := range data {
				folded[strings.ToLower(k)] = v
			}
		}
		return folded[strings.ToLower(name)]
	})
}

// TemplateTokens lists the distinct token names of a template in order of
// appearance.
func TemplateTokens(template string) []string {
	seen := map[string]bool{}
	var names []string
	for _, m := range tokenPattern.FindAllStringSubmatch(template, -1) {
		name := strings.TrimSpace(m[1])
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}
