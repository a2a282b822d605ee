package parser

import (
	"strings"

	"harvestline/internal/config"
)

// Anonymizer replaces a person identity before it is stored.
type Anonymizer interface {
	Anonymize(identity string) string
}

// Passthrough stores identities unchanged.
type Passthrough struct{}

func (Passthrough) Anonymize(identity string) string { return identity }

// AliasAnonymizer maps configured team members to their aliases. Lookup is
// case-insensitive on the member id and name.
type AliasAnonymizer struct {
	aliases map[string]string
}

func NewAliasAnonymizer(members []config.TeamMember) AliasAnonymizer {
	a := AliasAnonymizer{aliases: map[string]string{}}
	for _, m := range members {
		if m.Alias == "" {
			continue
		}
		if m.ID != "" {
			a.aliases[strings.ToLower(m.ID)] = m.Alias
		}
		if m.Name != "" {
			a.aliases[strings.ToLower(m.Name)] = m.Alias
		}
	}
	return a
}

func (a AliasAnonymizer) Anonymize(identity string) string {
	if alias, ok := a.aliases[strings.ToLower(identity)]; ok {
		return alias
	}
	return identity
}
