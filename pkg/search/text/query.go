package text

import "github.com/cuemby/docbase/pkg/values"

// FilterCondition restricts matches to documents whose named filter
// field equals the given value, the equality-only subset of filtering
// spec.md §4.4 allows alongside a text search.
type FilterCondition struct {
	Field values.FieldPath
	Value values.Value
}

// CompiledQuery is a parsed text search: the set of terms to match
// (all must be present, AND semantics across terms) plus any
// equality filters.
type CompiledQuery struct {
	SearchField values.FieldPath
	Terms       []string
	Filters     []FilterCondition
}

// Compile tokenizes the query string and pairs it with the equality
// filters a caller has already resolved into concrete values.
func Compile(searchField values.FieldPath, query string, filters []FilterCondition) *CompiledQuery {
	return &CompiledQuery{SearchField: searchField, Terms: Tokenize(query), Filters: filters}
}

// MatchesTerms reports whether every query term is present, matching
// spec.md §4.4's AND-of-terms semantics (no ranking, existence only).
func (q *CompiledQuery) MatchesTerms(terms map[string]struct{}) bool {
	if len(q.Terms) == 0 {
		return true
	}
	for _, t := range q.Terms {
		if _, ok := terms[t]; !ok {
			return false
		}
	}
	return true
}

func (q *CompiledQuery) MatchesFilters(fields map[string]values.Value) bool {
	for _, f := range q.Filters {
		v, ok := fields[f.Field.String()]
		if !ok || !values.Equal(v, f.Value) {
			return false
		}
	}
	return true
}

// ExtractTerms tokenizes the document's search field into a term set,
// returning nil (no entry) if the field is absent or not a string.
func ExtractTerms(doc *values.Document, field values.FieldPath) map[string]struct{} {
	if doc == nil {
		return nil
	}
	v, ok := values.Lookup(doc.Value(), field)
	if !ok {
		return nil
	}
	s, ok := v.AsString()
	if !ok {
		return nil
	}
	terms := Tokenize(s)
	if len(terms) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		out[t] = struct{}{}
	}
	return out
}

// ExtractFilterValues reads the configured filter fields off a
// document into a flat map keyed by field path string.
func ExtractFilterValues(doc *values.Document, fields []values.FieldPath) map[string]values.Value {
	if doc == nil || len(fields) == 0 {
		return nil
	}
	out := make(map[string]values.Value, len(fields))
	for _, f := range fields {
		if v, ok := values.Lookup(doc.Value(), f); ok {
			out[f.String()] = v
		}
	}
	return out
}
