package toolgateway

// Policy defines which tools may be used.
type Policy struct {
	Allow []string `json:"allow" mapstructure:"allow"` // List of allowed tools (* for all)
	Deny  []string `json:"deny" mapstructure:"deny"`   // Overrides allow
}

// Allows reports whether the policy permits toolName.
func (p *Policy) Allows(toolName string) bool {
	if p == nil {
		// No policy means allow all
		return true
	}

	for _, denied := range p.Deny {
		if denied == toolName || denied == "*" {
			return false
		}
	}

	for _, allowed := range p.Allow {
		if allowed == toolName || allowed == "*" {
			return true
		}
	}

	// If no explicit allow, deny by default
	return false
}

// Filter returns the names the policy permits, preserving order.
func (p *Policy) Filter(names []string) []string {
	if p == nil {
		return names
	}
	out := make([]string, 0, len(names))
	for _, name := range names {
		if p.Allows(name) {
			out = append(out, name)
		}
	}
	return out
}
