package filters

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/flybasist/wavebot/internal/event"
)

const templateVarsKey = "filters.template_vars"

var placeholderRe = regexp.MustCompile(`<([A-Za-z_][A-Za-z0-9_]*)>`)

// TemplateFilter сопоставляет текст с шаблоном вида "купить <item> за <price>".
type TemplateFilter struct {
	re    *regexp.Regexp
	names []string
}

// Template компилирует шаблон. Плейсхолдер <name> захватывает непустую подстроку.
// Совпавшие значения кладутся в событие, читать их — TemplateVars.
func Template(pattern string, ignoreCase bool) (*TemplateFilter, error) {
	var names []string
	var b strings.Builder
	b.WriteString("^")
	if ignoreCase {
		b.WriteString("(?i)")
	}
	last := 0
	for _, loc := range placeholderRe.FindAllStringSubmatchIndex(pattern, -1) {
		b.WriteString(regexp.QuoteMeta(pattern[last:loc[0]]))
		names = append(names, pattern[loc[2]:loc[3]])
		b.WriteString("(.+?)")
		last = loc[1]
	}
	b.WriteString(regexp.QuoteMeta(pattern[last:]))
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("compile template %q: %w", pattern, err)
	}
	return &TemplateFilter{re: re, names: names}, nil
}

// MustTemplate — Template, паникующий при ошибке.
func MustTemplate(pattern string, ignoreCase bool) *TemplateFilter {
	f, err := Template(pattern, ignoreCase)
	if err != nil {
		panic(err)
	}
	return f
}

// Check реализует Filter.
func (f *TemplateFilter) Check(_ context.Context, ev *event.Event) (bool, error) {
	m := f.re.FindStringSubmatch(ev.Text())
	if m == nil {
		return false, nil
	}
	vars := make(map[string]string, len(f.names))
	for i, name := range f.names {
		vars[name] = m[i+1]
	}
	ev.Set(templateVarsKey, vars)
	return true, nil
}

// TemplateVars возвращает значения, извлечённые Template.
func TemplateVars(ev *event.Event) map[string]string {
	v, ok := ev.Get(templateVarsKey)
	if !ok {
		return nil
	}
	vars, _ := v.(map[string]string)
	return vars
}
