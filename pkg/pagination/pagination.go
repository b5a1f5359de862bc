// Package pagination reads paging parameters from requests and cuts pages
// out of the ED's list results.
package pagination

import (
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// Params is one requested page.
type Params struct {
	Limit  int
	Offset int
}

// FromContext accepts the FHIR names (_count, _offset) and falls back to
// limit and offset. Out-of-range values are clamped.
func FromContext(c echo.Context) Params {
	return Params{
		Limit:  clampLimit(firstInt(c, "_count", "limit")),
		Offset: max(firstInt(c, "_offset", "offset"), 0),
	}
}

func firstInt(c echo.Context, names ...string) int {
	for _, n := range names {
		if v, err := strconv.Atoi(c.QueryParam(n)); err == nil && v > 0 {
			return v
		}
	}
	return 0
}

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return DefaultLimit
	case n > MaxLimit:
		return MaxLimit
	}
	return n
}

// Slice returns the page of items described by p.
func Slice[T any](items []T, p Params) []T {
	if p.Offset >= len(items) {
		return []T{}
	}
	end := min(p.Offset+p.Limit, len(items))
	return items[p.Offset:end]
}

// Response is the envelope for paged JSON lists.
type Response struct {
	Data    interface{} `json:"data"`
	Total   int         `json:"total"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
	HasMore bool        `json:"has_more"`
}

// Page slices items and wraps the result in a Response.
func Page[T any](items []T, p Params) *Response {
	return &Response{
		Data:    Slice(items, p),
		Total:   len(items),
		Limit:   p.Limit,
		Offset:  p.Offset,
		HasMore: p.HasNext(len(items)),
	}
}

func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

func (p Params) HasPrevious() bool {
	return p.Offset > 0
}

// FHIRLink is a Bundle.link entry.
type FHIRLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

// FHIRLinks builds the self, next and previous links for a searchset.
// Search filters in query are carried onto every link.
func (p Params) FHIRLinks(basePath string, query url.Values, total int) []FHIRLink {
	link := func(rel string, offset int) FHIRLink {
		q := url.Values{}
		for k, v := range query {
			q[k] = v
		}
		q.Del("limit")
		q.Del("offset")
		q.Set("_offset", strconv.Itoa(offset))
		q.Set("_count", strconv.Itoa(p.Limit))
		return FHIRLink{Relation: rel, URL: basePath + "?" + q.Encode()}
	}

	links := []FHIRLink{link("self", p.Offset)}
	if p.HasNext(total) {
		links = append(links, link("next", p.Offset+p.Limit))
	}
	if p.HasPrevious() {
		links = append(links, link("previous", max(p.Offset-p.Limit, 0)))
	}
	return links
}
