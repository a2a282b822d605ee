package server

import (
	"time"

	"harvestline/internal/domain"
	"harvestline/internal/harvest"
)

// Response payloads

type IssueKeysResponse struct {
	Keys  []string `json:"keys"`
	Count int      `json:"count"`
}

type ChangesResponse struct {
	IssueKey string              `json:"issue_key"`
	Changes  []domain.AuditEvent `json:"changes"`
	Count    int                 `json:"count"`
}

type ReloadListResponse struct {
	Reloads []domain.ReloadRecord `json:"reloads"`
	Count   int                   `json:"count"`
}

// ReloadResponse is the synchronous outcome of a triggered reload. A failed
// run is still a 200 response; Status and Error carry the failure.
type ReloadResponse struct {
	harvest.RunResult
	Message string `json:"message"`
}

type ConnectivityResponse struct {
	Upstream    harvest.Connectivity `json:"upstream"`
	Database    string               `json:"database"`
	LastHarvest *time.Time           `json:"last_harvest,omitempty" format:"date-time"`
}

func reloadResponse(res harvest.RunResult) ReloadResponse {
	msg := "reload completed"
	if res.Status == domain.ReloadFailed {
		msg = "reload failed: " + res.Error
	}
	return ReloadResponse{RunResult: res, Message: msg}
}
