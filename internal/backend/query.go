// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"fmt"
	"slices"
	"strings"
)

type queryOp int

const (
	opAll queryOp = iota
	opNone
	opIn
	opAnd
	opOr
)

// Query is a boolean predicate over document fields. The zero value
// matches everything.
//
// Field paths are dotted (instances.name, request_template.system). A path
// that resolves to several values matches when any of them does.
type Query struct {
	op       queryOp
	field    string
	values   []string
	children []Query
}

// MatchAll returns a query that matches every document.
func MatchAll() Query { return Query{op: opAll} }

// MatchNone returns a query that matches no document.
func MatchNone() Query { return Query{op: opNone} }

// In matches documents whose field equals one of values. An empty value
// list matches nothing.
func In(field string, values ...string) Query {
	if len(values) == 0 {
		return MatchNone()
	}
	return Query{op: opIn, field: field, values: append([]string(nil), values...)}
}

// Eq matches documents whose field equals value.
func Eq(field, value string) Query {
	return In(field, value)
}

// And matches documents matching every query. And() matches everything.
func And(qs ...Query) Query {
	var kept []Query
	for _, q := range qs {
		switch q.op {
		case opNone:
			return MatchNone()
		case opAll:
			continue
		}
		kept = append(kept, q)
	}
	switch len(kept) {
	case 0:
		return MatchAll()
	case 1:
		return kept[0]
	}
	return Query{op: opAnd, children: kept}
}

// Or matches documents matching any query. Or() matches nothing.
func Or(qs ...Query) Query {
	var kept []Query
	for _, q := range qs {
		switch q.op {
		case opAll:
			return MatchAll()
		case opNone:
			continue
		}
		kept = append(kept, q)
	}
	switch len(kept) {
	case 0:
		return MatchNone()
	case 1:
		return kept[0]
	}
	return Query{op: opOr, children: kept}
}

// IsMatchAll reports whether q trivially matches everything.
func (q Query) IsMatchAll() bool { return q.op == opAll }

// IsMatchNone reports whether q trivially matches nothing.
func (q Query) IsMatchNone() bool { return q.op == opNone }

// Matches evaluates q against a document using FieldValues.
func (q Query) Matches(doc any) bool {
	switch q.op {
	case opAll:
		return true
	case opNone:
		return false
	case opIn:
		for _, v := range FieldValues(doc, q.field) {
			if slices.Contains(q.values, v) {
				return true
			}
		}
		return false
	case opAnd:
		for _, c := range q.children {
			if !c.Matches(doc) {
				return false
			}
		}
		return true
	case opOr:
		for _, c := range q.children {
			if c.Matches(doc) {
				return true
			}
		}
		return false
	}
	return false
}

// Fields returns every field path referenced by q.
func (q Query) Fields() []string {
	var out []string
	var walk func(Query)
	walk = func(q Query) {
		if q.op == opIn && !slices.Contains(out, q.field) {
			out = append(out, q.field)
		}
		for _, c := range q.children {
			walk(c)
		}
	}
	walk(q)
	return out
}

// SQL renders q as a WHERE clause fragment with positional arguments.
// column maps a field path to a column name; it returns false for fields
// with no column, in which case SQL returns ok=false and the caller must
// evaluate q in memory.
func (q Query) SQL(column func(field string) (string, bool)) (clause string, args []any, ok bool) {
	switch q.op {
	case opAll:
		return "1=1", nil, true
	case opNone:
		return "1=0", nil, true
	case opIn:
		col, found := column(q.field)
		if !found {
			return "", nil, false
		}
		placeholders := make([]string, len(q.values))
		for i, v := range q.values {
			placeholders[i] = "?"
			args = append(args, v)
		}
		return fmt.Sprintf("%s IN (%s)", col, strings.Join(placeholders, ", ")), args, true
	case opAnd, opOr:
		joiner := " AND "
		if q.op == opOr {
			joiner = " OR "
		}
		parts := make([]string, 0, len(q.children))
		for _, c := range q.children {
			part, cargs, cok := c.SQL(column)
			if !cok {
				return "", nil, false
			}
			parts = append(parts, "("+part+")")
			args = append(args, cargs...)
		}
		return strings.Join(parts, joiner), args, true
	}
	return "", nil, false
}

// String renders q for logs and tests.
func (q Query) String() string {
	switch q.op {
	case opAll:
		return "ALL"
	case opNone:
		return "NONE"
	case opIn:
		return fmt.Sprintf("%s IN [%s]", q.field, strings.Join(q.values, ","))
	case opAnd, opOr:
		name := "AND"
		if q.op == opOr {
			name = "OR"
		}
		parts := make([]string, len(q.children))
		for i, c := range q.children {
			parts[i] = c.String()
		}
		return name + "(" + strings.Join(parts, ", ") + ")"
	}
	return "?"
}
