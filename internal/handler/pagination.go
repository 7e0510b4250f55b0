package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/openclaw/consult-server-go/internal/model"
)

const (
	DefaultLimit = 50
	MaxLimit     = 100
)

// ParseRequestFilter reads serviceType, limit and offset from the query.
// Out-of-range values fall back to the defaults.
func ParseRequestFilter(r *http.Request) model.RequestFilter {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	if limit <= 0 || limit > MaxLimit {
		limit = DefaultLimit
	}
	if offset < 0 {
		offset = 0
	}

	return model.RequestFilter{
		ServiceType: strings.TrimSpace(q.Get("serviceType")),
		Limit:       limit,
		Offset:      offset,
	}
}
