package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const MaxLimit = 500

// Params holds pagination parameters extracted from a request. A zero Limit
// means the caller asked for the whole list.
type Params struct {
	Limit  int
	Offset int
}

// FromContext extracts the optional limit and offset query parameters.
// Missing or invalid values leave the list unbounded.
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit < 0 {
		limit = 0
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	if offset < 0 {
		offset = 0
	}

	return Params{Limit: limit, Offset: offset}
}

// Bounded reports whether the request asked for a window of the list.
func (p Params) Bounded() bool {
	return p.Limit > 0 || p.Offset > 0
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Limit > 0 && p.Offset+p.Limit < total
}

// NextOffset returns the offset for the next page.
func (p Params) NextOffset() int {
	return p.Offset + p.Limit
}

// Apply returns the window of items selected by p. The result is never nil.
func Apply[T any](items []T, p Params) []T {
	if p.Offset >= len(items) {
		return []T{}
	}
	end := len(items)
	if p.Limit > 0 && p.Offset+p.Limit < end {
		end = p.Offset + p.Limit
	}
	return items[p.Offset:end]
}

// SetHeaders exposes the list total and the next offset, when bounded, as
// response headers so JSON bodies keep their existing shape.
func SetHeaders(c echo.Context, p Params, total int) {
	h := c.Response().Header()
	h.Set("X-Total-Count", strconv.Itoa(total))
	if p.HasNext(total) {
		h.Set("X-Next-Offset", strconv.Itoa(p.NextOffset()))
	}
}
