package hierarchy

import (
	"strings"

	"harvestline/internal/config"
	"harvestline/internal/domain"
)

// Policy decides whether a harvested item is blacklisted.
type Policy struct {
	projects map[string]bool
	teams    map[string]bool
	statuses map[string]bool
}

func NewPolicy(cfg config.Blacklist) Policy {
	return Policy{
		projects: set(cfg.Projects),
		teams:    set(cfg.Teams),
		statuses: set(cfg.Statuses),
	}
}

func set(values []string) map[string]bool {
	m := make(map[string]bool, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			m[v] = true
		}
	}
	return m
}

// Reason returns the blacklist reason for item, or "" if it is allowed.
// Project is checked first, then team, then status.
func (p Policy) Reason(item domain.WorkItem) string {
	if project, _, ok := strings.Cut(item.Key, "-"); ok && p.projects[project] {
		return "project"
	}
	if item.Team != nil && p.teams[*item.Team] {
		return "team:" + *item.Team
	}
	if p.statuses[item.Status] {
		return "status:" + item.Status
	}
	return ""
}

// Apply sets item.BlacklistReason and reports whether the item is blacklisted.
func (p Policy) Apply(item *domain.WorkItem) bool {
	reason := p.Reason(*item)
	if reason == "" {
		item.BlacklistReason = nil
		return false
	}
	item.BlacklistReason = &reason
	return true
}
