package parser

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"harvestline/internal/config"
	"harvestline/internal/domain"
)

// ParsingError means a whole issue could not be normalized.
type ParsingError struct {
	Key string
	Err error
}

func (e *ParsingError) Error() string {
	key := e.Key
	if key == "" {
		key = "<unknown>"
	}
	return fmt.Sprintf("parse issue %s: %v", key, e.Err)
}

func (e *ParsingError) Unwrap() error { return e.Err }

// Skip records a sub-record (comment or changelog history) dropped during
// parsing. Index is its position in the source array.
type Skip struct {
	Key    string
	Kind   string
	Index  int
	Reason string
}

type Parser struct {
	Fields     config.CustomFields
	Anonymizer Anonymizer
	Log        zerolog.Logger
	Now        func() time.Time
}

func New(fields config.CustomFields, anon Anonymizer, log zerolog.Logger) *Parser {
	if anon == nil {
		anon = Passthrough{}
	}
	return &Parser{Fields: fields, Anonymizer: anon, Log: log, Now: time.Now}
}

// SearchFields lists the issue fields a search must request.
func (p *Parser) SearchFields() []string {
	fields := []string{"summary", "assignee", "status", "labels", "issuetype", "parent", "comment", "created", "updated"}
	for _, f := range []string{p.Fields.Team, p.Fields.StartDate, p.Fields.TransitionDate, p.Fields.EndDate} {
		if f != "" {
			fields = append(fields, f)
		}
	}
	return fields
}

func (p *Parser) now() time.Time {
	if p.Now == nil {
		return time.Now().UTC()
	}
	return p.Now().UTC()
}

// ParseIssue normalizes one raw issue. Malformed comments are dropped and
// reported as skips; only a missing key or non-object shape fails the issue.
func (p *Parser) ParseIssue(raw json.RawMessage) (domain.WorkItem, []Skip, error) {
	root, ok := variant{raw: raw}.asObject()
	if !ok {
		return domain.WorkItem{}, nil, &ParsingError{Err: fmt.Errorf("issue is not an object")}
	}
	key, _ := field(root, "key").asString()
	if key == "" {
		return domain.WorkItem{}, nil, &ParsingError{Err: fmt.Errorf("issue has no key")}
	}
	fv := field(root, "fields")
	var fields map[string]json.RawMessage
	if !fv.isNull() {
		fields, ok = fv.asObject()
		if !ok {
			return domain.WorkItem{}, nil, &ParsingError{Key: key, Err: fmt.Errorf("fields is not an object")}
		}
	}
	log := p.Log.With().Str("issue_key", key).Logger()

	item := domain.WorkItem{
		Key:         key,
		Status:      "Unknown",
		Labels:      []string{},
		TypeID:      -1,
		Source:      domain.SourceJira,
		HarvestedAt: p.now(),
	}
	if id, ok := stringish(field(root, "id")); ok {
		item.ID = id
	}
	item.Title, _ = field(fields, "summary").asString()

	if who := userVariant(field(fields, "assignee")); who != nil {
		alias := p.Anonymizer.Anonymize(*who)
		item.Assignee = &alias
	}
	if status, ok := field(fields, "status").asObject(); ok {
		if name, found := firstString(status, "name"); found {
			item.Status = name
		}
	}
	if labels, ok := field(fields, "labels").asArray(); ok {
		for _, l := range labels {
			if s, ok := (variant{raw: l}).asString(); ok {
				item.Labels = append(item.Labels, s)
			}
		}
	}
	if it, ok := field(fields, "issuetype").asObject(); ok {
		item.TypeID = intOr(field(it, "id"), -1)
		item.TypeName, _ = firstString(it, "name")
	}
	if parent, ok := field(fields, "parent").asObject(); ok {
		if pk, found := firstString(parent, "key"); found {
			item.ParentKey = &pk
		}
	}

	if p.Fields.Team != "" {
		team, err := teamVariant(field(fields, p.Fields.Team))
		if err != nil {
			log.Warn().Err(err).Msg("team field ignored")
		}
		item.Team = team
	}
	item.StartDate = p.milestone(log, fields, p.Fields.StartDate, "start_date")
	item.TransitionDate = p.milestone(log, fields, p.Fields.TransitionDate, "transition_date")
	item.EndDate = p.milestone(log, fields, p.Fields.EndDate, "end_date")
	item.CreatedAt = p.timestamp(log, fields, "created")
	item.UpdatedAt = p.timestamp(log, fields, "updated")

	comments, skips := p.parseComments(key, field(fields, "comment"))
	item.Comments = comments
	for _, s := range skips {
		log.Warn().Int("index", s.Index).Str("reason", s.Reason).Msg("comment skipped")
	}
	return item, skips, nil
}

func (p *Parser) milestone(log zerolog.Logger, fields map[string]json.RawMessage, id, name string) *time.Time {
	if id == "" {
		return nil
	}
	t, err := dateVariant(field(fields, id))
	if err != nil {
		log.Warn().Err(err).Str("field", name).Msg("date field ignored")
		return nil
	}
	return t
}

func (p *Parser) timestamp(log zerolog.Logger, fields map[string]json.RawMessage, name string) *time.Time {
	v := field(fields, name)
	if v.isNull() {
		return nil
	}
	s, ok := v.asString()
	if !ok {
		log.Warn().Str("field", name).Msg("timestamp is not a string")
		return nil
	}
	t, err := parseTimestamp(s)
	if err != nil {
		log.Warn().Err(err).Str("field", name).Msg("timestamp ignored")
		return nil
	}
	return &t
}

func (p *Parser) parseComments(key string, v variant) ([]domain.Comment, []Skip) {
	container, ok := v.asObject()
	if !ok {
		return nil, nil
	}
	list, ok := field(container, "comments").asArray()
	if !ok {
		return nil, nil
	}
	var out []domain.Comment
	var skips []Skip
	for i, raw := range list {
		c, err := parseComment(key, raw)
		if err != nil {
			skips = append(skips, Skip{Key: key, Kind: "comment", Index: i, Reason: err.Error()})
			continue
		}
		out = append(out, c)
	}
	return out, skips
}

func parseComment(key string, raw json.RawMessage) (domain.Comment, error) {
	obj, ok := variant{raw: raw}.asObject()
	if !ok {
		return domain.Comment{}, fmt.Errorf("comment is not an object")
	}
	created, ok := field(obj, "created").asString()
	if !ok {
		return domain.Comment{}, fmt.Errorf("comment has no created timestamp")
	}
	createdAt, err := parseTimestamp(created)
	if err != nil {
		return domain.Comment{}, err
	}
	c := domain.Comment{
		IssueKey:  key,
		Body:      PlainText(obj["body"]),
		CreatedAt: createdAt,
	}
	if updated, ok := field(obj, "updated").asString(); ok && updated != "" {
		t, err := parseTimestamp(updated)
		if err != nil {
			return domain.Comment{}, err
		}
		c.UpdatedAt = &t
	}
	if id, ok := stringish(field(obj, "id")); ok && id != "" {
		c.ExternalID = &id
	}
	return c, nil
}

// ParseChangelogPage flattens the change histories of one issue into one
// entry per changed field. Histories with an unreadable timestamp are skipped.
func (p *Parser) ParseChangelogPage(issueID string, histories []json.RawMessage) ([]domain.ChangelogEntry, []Skip) {
	harvested := p.now()
	var out []domain.ChangelogEntry
	var skips []Skip
	for i, raw := range histories {
		h, ok := variant{raw: raw}.asObject()
		if !ok {
			skips = append(skips, Skip{Key: issueID, Kind: "changelog", Index: i, Reason: "history is not an object"})
			continue
		}
		created, err := historyCreated(field(h, "created"))
		if err != nil {
			skips = append(skips, Skip{Key: issueID, Kind: "changelog", Index: i, Reason: err.Error()})
			continue
		}
		changelogID, _ := stringish(field(h, "id"))
		items, _ := field(h, "items").asArray()
		for _, rawItem := range items {
			it, ok := variant{raw: rawItem}.asObject()
			if !ok {
				continue
			}
			name, _ := firstString(it, "field", "fieldId")
			if name == "" {
				continue
			}
			hv := harvested
			out = append(out, domain.ChangelogEntry{
				IssueID:     issueID,
				ChangelogID: changelogID,
				Field:       name,
				FromValue:   optString(field(it, "from")),
				ToValue:     optString(field(it, "to")),
				FromDisplay: optString(field(it, "fromString")),
				ToDisplay:   optString(field(it, "toString")),
				CreatedAt:   created,
				HarvestedAt: &hv,
			})
		}
	}
	for _, s := range skips {
		p.Log.Warn().Str("issue_id", s.Key).Int("index", s.Index).Str("reason", s.Reason).Msg("changelog history skipped")
	}
	return out, skips
}

func historyCreated(v variant) (time.Time, error) {
	if n, ok := v.asNumber(); ok {
		return epoch(n), nil
	}
	if s, ok := v.asString(); ok {
		return parseTimestamp(s)
	}
	return time.Time{}, fmt.Errorf("history has no created timestamp")
}

func optString(v variant) *string {
	s, ok := stringish(v)
	if !ok {
		return nil
	}
	return &s
}
