package remote

import (
	"net/url"
	"strconv"
	"strings"
)

// Query builds PostgREST query parameters.
type Query struct {
	values url.Values
}

// NewQuery starts an empty query.
func NewQuery() *Query {
	return &Query{values: url.Values{}}
}

// Eq adds a column=eq.value filter.
func (q *Query) Eq(column, value string) *Query {
	q.values.Add(column, "eq."+value)
	return q
}

// In adds a column=in.(a,b,c) filter.
func (q *Query) In(column string, values []string) *Query {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
	}
	q.values.Add(column, "in.("+strings.Join(quoted, ",")+")")
	return q
}

// Select limits the returned columns.
func (q *Query) Select(columns string) *Query {
	q.values.Set("select", columns)
	return q
}

// Order sorts by column.
func (q *Query) Order(column string, desc bool) *Query {
	dir := "asc"
	if desc {
		dir = "desc"
	}
	q.values.Set("order", column+"."+dir)
	return q
}

// Limit caps the number of rows returned.
func (q *Query) Limit(n int) *Query {
	q.values.Set("limit", strconv.Itoa(n))
	return q
}

// Empty reports whether the query has no parameters.
func (q *Query) Empty() bool {
	return len(q.values) == 0
}

// Encode renders the query string.
func (q *Query) Encode() string {
	return q.values.Encode()
}
