package perception

import "strings"

// ModelPolicy resolves the model a request should actually use.
type ModelPolicy struct {
	Default    string
	Deprecated []string
}

// Resolve returns the model to call and whether it differs from the requested one.
// Empty and deprecated names resolve to the default.
func (p ModelPolicy) Resolve(requested string) (string, bool) {
	name := strings.TrimSpace(requested)
	if name == "" {
		return p.Default, p.Default != ""
	}
	for _, d := range p.Deprecated {
		if strings.EqualFold(name, d) {
			return p.Default, true
		}
	}
	return name, false
}
