package api

import (
	"net/http"

	"github.com/mschirtzinger/todosync/internal/remote"
	"github.com/mschirtzinger/todosync/internal/todo"
)

// Request and response bodies shared by the server and httpstore.

type SelectRequest struct {
	Filter remote.Filter `json:"filter"`
	Order  remote.Order  `json:"order"`
}

type InsertRequest struct {
	Rows []todo.Item `json:"rows"`
}

type UpdateRequest struct {
	Patch  remote.Patch  `json:"patch"`
	Filter remote.Filter `json:"filter"`
}

type DeleteRequest struct {
	Filter remote.Filter `json:"filter"`
}

type RowsResponse struct {
	Rows []todo.Item `json:"rows"`
}

type DeleteResponse struct {
	Affected int `json:"affected"`
}

type HealthResponse struct {
	Status      string `json:"status"`
	Subscribers int    `json:"subscribers"`
}

// FeedReady is the type of the first frame on a feed. It confirms the
// subscription is live; every later frame is a remote.Event.
const FeedReady remote.EventType = "SUBSCRIBED"

// StatusFor maps a backend error code to an HTTP status.
func StatusFor(code string) int {
	switch code {
	case remote.CodeInsufficientPriv:
		return http.StatusForbidden
	case remote.CodeUndefinedTable, remote.CodeInvalidCredential:
		return http.StatusNotFound
	case remote.CodeUniqueViolation, remote.CodeForeignKeyViolation:
		return http.StatusConflict
	case remote.CodeInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
