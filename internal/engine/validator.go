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

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/beer-garden/beergarden/internal/models"
	bgerrors "github.com/beer-garden/beergarden/pkg/errors"
)

func invalid(field, format string, args ...any) error {
	return &bgerrors.ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// validateParameters checks values against defs and returns the
// normalized map. It recurses for Dictionary parameters that declare
// nested parameters. Running it on its own output yields the same map.
func (e *Engine) validateParameters(ctx context.Context, req *models.Request, defs []*models.Parameter, values map[string]any, path string) (map[string]any, error) {
	known := make(map[string]bool, len(defs))
	for _, def := range defs {
		known[def.Key] = true
	}
	var unknown []string
	for key := range values {
		if !known[key] {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, invalid(path, "unknown parameters %s", strings.Join(unknown, ", "))
	}

	out := make(map[string]any, len(defs))
	for _, def := range defs {
		v, err := e.validateParameter(ctx, req, def, values, path+"."+def.Key)
		if err != nil {
			return nil, err
		}
		out[def.Key] = v
	}
	return out, nil
}

func (e *Engine) validateParameter(ctx context.Context, req *models.Request, def *models.Parameter, siblings map[string]any, field string) (any, error) {
	value := siblings[def.Key]
	if value == nil {
		if !def.Optional && def.Default == nil {
			return nil, invalid(field, "required parameter is missing")
		}
		value = models.CloneValue(def.Default)
	}
	if value == nil {
		if !def.Nullable {
			return nil, invalid(field, "parameter may not be null")
		}
		return nil, nil
	}

	checkChoices := def.Choices != nil && def.Choices.IsStrict() && !def.Optional
	var allowed []any
	if checkChoices {
		var err error
		if allowed, err = e.resolveChoices(ctx, req, def, siblings, field); err != nil {
			return nil, err
		}
	}

	if def.Multi {
		list, ok := asList(value)
		if !ok {
			return nil, invalid(field, "multi parameter requires a list, got %T", value)
		}
		out := make([]any, len(list))
		for i, elem := range list {
			elemField := fmt.Sprintf("%s[%d]", field, i)
			v, err := e.coerce(ctx, req, def, elem, elemField)
			if err != nil {
				return nil, err
			}
			if err := checkRegex(def, v, elemField); err != nil {
				return nil, err
			}
			if checkChoices && !containsValue(allowed, v) {
				return nil, invalid(elemField, "value %v is not one of the allowed choices", v)
			}
			out[i] = v
		}
		if err := checkBounds(def, out, field); err != nil {
			return nil, err
		}
		return out, nil
	}

	v, err := e.coerce(ctx, req, def, value, field)
	if err != nil {
		return nil, err
	}
	if err := checkBounds(def, v, field); err != nil {
		return nil, err
	}
	if err := checkRegex(def, v, field); err != nil {
		return nil, err
	}
	if checkChoices && !containsValue(allowed, v) {
		return nil, invalid(field, "value %v is not one of the allowed choices", v)
	}
	return v, nil
}

func (e *Engine) coerce(ctx context.Context, req *models.Request, def *models.Parameter, v any, field string) (any, error) {
	switch def.Type {
	case models.TypeString:
		s, ok := v.(string)
		if !ok {
			return nil, invalid(field, "expected a string, got %T", v)
		}
		return s, nil
	case models.TypeInteger:
		n, ok := toInt(v)
		if !ok {
			return nil, invalid(field, "expected an integer, got %v", v)
		}
		return n, nil
	case models.TypeFloat:
		f, ok := toFloat(v)
		if !ok {
			return nil, invalid(field, "expected a number, got %v", v)
		}
		return f, nil
	case models.TypeBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, invalid(field, "expected true or false, got %v", v)
		}
		return b, nil
	case models.TypeAny:
		return models.CloneValue(v), nil
	case models.TypeDictionary:
		m, ok := v.(map[string]any)
		if !ok {
			return nil, invalid(field, "expected a dictionary, got %T", v)
		}
		if len(def.Parameters) == 0 {
			return models.CloneMap(m), nil
		}
		return e.validateParameters(ctx, req, def.Parameters, m, field)
	case models.TypeDate, models.TypeDateTime:
		n, ok := toInt(v)
		if !ok {
			return nil, invalid(field, "expected epoch milliseconds, got %v", v)
		}
		return n, nil
	}
	return nil, invalid(field, "unknown parameter type %q", def.Type)
}

func asList(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}

func toInt(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, true
		}
	}
	f, ok := toFloat(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	// float64(math.MaxInt64) rounds up to 2^63, which does not fit.
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

// checkBounds compares minimum and maximum against the length of strings,
// lists and dictionaries and against the value of numbers.
func checkBounds(def *models.Parameter, v any, field string) error {
	if def.Minimum == nil && def.Maximum == nil {
		return nil
	}
	var (
		n    float64
		what string
	)
	switch t := v.(type) {
	case string:
		n, what = float64(utf8.RuneCountInString(t)), "length"
	case []any:
		n, what = float64(len(t)), "length"
	case map[string]any:
		n, what = float64(len(t)), "length"
	default:
		f, ok := toFloat(v)
		if !ok {
			return nil
		}
		n, what = f, "value"
	}
	if def.Minimum != nil && n < *def.Minimum {
		return invalid(field, "%s %v is less than the minimum %v", what, n, *def.Minimum)
	}
	if def.Maximum != nil && n > *def.Maximum {
		return invalid(field, "%s %v is greater than the maximum %v", what, n, *def.Maximum)
	}
	return nil
}

var regexCache sync.Map

// checkRegex matches string values against the parameter's pattern. The
// match is unanchored; patterns anchor themselves with ^ and $.
func checkRegex(def *models.Parameter, v any, field string) error {
	if def.Regex == "" {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		return nil
	}
	re, err := compileRegex(def.Regex)
	if err != nil {
		return invalid(field, "invalid regex %q: %v", def.Regex, err)
	}
	if !re.MatchString(s) {
		return invalid(field, "value %q does not match %q", s, def.Regex)
	}
	return nil
}

func compileRegex(pattern string) (*regexp.Regexp, error) {
	if re, ok := regexCache.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexCache.Store(pattern, re)
	return re, nil
}

func containsValue(allowed []any, v any) bool {
	for _, a := range allowed {
		if sameValue(a, v) {
			return true
		}
	}
	return false
}

// sameValue compares JSON-shaped values, treating numbers of any Go type
// as equal when their values are.
func sameValue(a, b any) bool {
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if okA && okB {
		return fa == fb
	}
	return reflect.DeepEqual(a, b)
}
