package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"harvestline/internal/jql"
)

const (
	searchEndpoint    = "search"
	changelogEndpoint = "changelog/bulkfetch"
	myselfEndpoint    = "myself"

	// SearchPageSize is the upstream cap on one search page.
	SearchPageSize = 100
	// ChangelogPageSize is the upstream cap on one bulk changelog page.
	ChangelogPageSize = 1000

	searchTimeout = 60 * time.Second
)

// User is the authenticated account reported by the myself probe.
type User struct {
	AccountID    string `json:"accountId"`
	DisplayName  string `json:"displayName"`
	EmailAddress string `json:"emailAddress"`
}

// Myself fetches the authenticated user.
func (c *Client) Myself(ctx context.Context) (User, error) {
	resp, err := c.Request(ctx, http.MethodGet, myselfEndpoint, nil, 0)
	if err != nil {
		return User{}, err
	}
	var u User
	if err := Interpret(resp, "myself", &u); err != nil {
		return User{}, err
	}
	return u, nil
}

type searchRequest struct {
	JQL        string   `json:"jql"`
	StartAt    int      `json:"startAt"`
	MaxResults int      `json:"maxResults"`
	Fields     []string `json:"fields,omitempty"`
}

type searchPage struct {
	StartAt    int               `json:"startAt"`
	MaxResults int               `json:"maxResults"`
	Total      int               `json:"total"`
	Issues     []json.RawMessage `json:"issues"`
}

// PageFunc receives the raw issues of one search page.
type PageFunc func(issues []json.RawMessage) error

// SearchPages runs expr and feeds each page to fn until the result set is
// exhausted, fn returns ErrStopPaging, or maxResults raw issues have been
// delivered. maxResults <= 0 means no limit.
func (c *Client) SearchPages(ctx context.Context, expr string, fields []string, maxResults int, fn PageFunc) error {
	if err := jql.Validate(expr); err != nil {
		return err
	}
	startAt := 0
	delivered := 0
	for {
		size := SearchPageSize
		if maxResults > 0 && maxResults-delivered < size {
			size = maxResults - delivered
		}
		resp, err := c.Request(ctx, http.MethodPost, searchEndpoint, searchRequest{
			JQL:        expr,
			StartAt:    startAt,
			MaxResults: size,
			Fields:     fields,
		}, searchTimeout)
		if err != nil {
			return err
		}
		var page searchPage
		if err := Interpret(resp, "search", &page); err != nil {
			return err
		}
		if len(page.Issues) == 0 {
			return nil
		}
		if maxResults > 0 && delivered+len(page.Issues) > maxResults {
			page.Issues = page.Issues[:maxResults-delivered]
		}
		if err := fn(page.Issues); err != nil {
			if errors.Is(err, ErrStopPaging) {
				return nil
			}
			return err
		}
		delivered += len(page.Issues)
		startAt += len(page.Issues)
		if startAt >= page.Total || (maxResults > 0 && delivered >= maxResults) {
			return nil
		}
	}
}

type changelogRequest struct {
	IssueIDsOrKeys []string `json:"issueIdsOrKeys"`
	MaxResults     int      `json:"maxResults"`
	NextPageToken  string   `json:"nextPageToken,omitempty"`
}

// ChangelogPage is one page of the bulk changelog fetch.
type ChangelogPage struct {
	IssueChangeLogs []IssueChangeLog `json:"issueChangeLogs"`
	NextPageToken   string           `json:"nextPageToken"`
}

// IssueChangeLog holds the raw change histories of one issue.
type IssueChangeLog struct {
	IssueID         string            `json:"issueId"`
	ChangeHistories []json.RawMessage `json:"changeHistories"`
}

// ChangelogFunc receives one bulk changelog page.
type ChangelogFunc func(page ChangelogPage) error

// BulkChangelogs fetches the change histories of ids, following continuation
// tokens and pausing PageDelay between pages.
func (c *Client) BulkChangelogs(ctx context.Context, ids []string, fn ChangelogFunc) error {
	if len(ids) == 0 {
		return nil
	}
	token := ""
	seen := map[string]bool{}
	for {
		resp, err := c.Request(ctx, http.MethodPost, changelogEndpoint, changelogRequest{
			IssueIDsOrKeys: ids,
			MaxResults:     ChangelogPageSize,
			NextPageToken:  token,
		}, 0)
		if err != nil {
			return err
		}
		var page ChangelogPage
		if err := Interpret(resp, "bulk changelog", &page); err != nil {
			return err
		}
		if err := fn(page); err != nil {
			return err
		}
		if page.NextPageToken == "" {
			return nil
		}
		if seen[page.NextPageToken] {
			return fmt.Errorf("bulk changelog: continuation token %q repeated", page.NextPageToken)
		}
		seen[page.NextPageToken] = true
		token = page.NextPageToken
		if err := Pause(ctx, c.pageDelay); err != nil {
			return err
		}
	}
}
