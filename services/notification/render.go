package notification

import (
	"sort"
	"strings"
)

// Vars are template variables keyed by dotted name, e.g. "partner.name".
type Vars map[string]string

// Render substitutes {{name}} and {{ name }} placeholders. Unknown
// placeholders are left untouched.
func Render(tmpl string, vars Vars) string {
	if len(vars) == 0 || !strings.Contains(tmpl, "{{") {
		return tmpl
	}

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys)*4)
	for _, k := range keys {
		pairs = append(pairs, "{{"+k+"}}", vars[k], "{{ "+k+" }}", vars[k])
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
