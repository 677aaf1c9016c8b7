package common

import (
	"net/http"
	"strconv"
	"strings"
)

// Page describes a limit/offset window over a list endpoint.
type Page struct {
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
	Total  int64 `json:"total"`
}

// ParsePage extracts limit and offset query parameters, clamping limit to max.
func ParsePage(r *http.Request, defaultLimit, max int) Page {
	page := Page{Limit: defaultLimit}
	if page.Limit <= 0 {
		page.Limit = 50
	}
	q := r.URL.Query()
	if v, err := strconv.Atoi(strings.TrimSpace(q.Get("limit"))); err == nil && v > 0 {
		page.Limit = v
	}
	if max > 0 && page.Limit > max {
		page.Limit = max
	}
	if v, err := strconv.Atoi(strings.TrimSpace(q.Get("offset"))); err == nil && v >= 0 {
		page.Offset = v
	}
	return page
}
