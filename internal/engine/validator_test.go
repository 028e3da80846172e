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
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beer-garden/beergarden/internal/models"
	bgerrors "github.com/beer-garden/beergarden/pkg/errors"
)

func ptr(f float64) *float64 { return &f }

func strictFalse() *bool { b := false; return &b }

func validate(t *testing.T, e *Engine, defs []*models.Parameter, values map[string]any) (map[string]any, error) {
	t.Helper()
	req := sayRequest("")
	req.Parameters = values
	return e.validateParameters(context.Background(), req, defs, values, "parameters")
}

func TestValidateParameters(t *testing.T) {
	e := New(nil, nil, Config{})

	tests := []struct {
		name    string
		defs    []*models.Parameter
		values  map[string]any
		want    map[string]any
		wantErr bool
	}{
		{
			name:   "string",
			defs:   []*models.Parameter{{Key: "s", Type: models.TypeString}},
			values: map[string]any{"s": "x"},
			want:   map[string]any{"s": "x"},
		},
		{
			name:    "string rejects number",
			defs:    []*models.Parameter{{Key: "s", Type: models.TypeString}},
			values:  map[string]any{"s": 1.0},
			wantErr: true,
		},
		{
			name:    "unknown key",
			defs:    []*models.Parameter{{Key: "s", Type: models.TypeString, Optional: true, Nullable: true}},
			values:  map[string]any{"t": "x"},
			wantErr: true,
		},
		{
			name:    "required missing",
			defs:    []*models.Parameter{{Key: "s", Type: models.TypeString}},
			values:  map[string]any{},
			wantErr: true,
		},
		{
			name:   "default used",
			defs:   []*models.Parameter{{Key: "s", Type: models.TypeString, Optional: true, Default: "d"}},
			values: nil,
			want:   map[string]any{"s": "d"},
		},
		{
			name:   "nullable optional",
			defs:   []*models.Parameter{{Key: "s", Type: models.TypeString, Optional: true, Nullable: true}},
			values: map[string]any{"s": nil},
			want:   map[string]any{"s": nil},
		},
		{
			name:   "integer from float",
			defs:   []*models.Parameter{{Key: "n", Type: models.TypeInteger}},
			values: map[string]any{"n": 3.0},
			want:   map[string]any{"n": int64(3)},
		},
		{
			name:    "integer rejects fraction",
			defs:    []*models.Parameter{{Key: "n", Type: models.TypeInteger}},
			values:  map[string]any{"n": 3.5},
			wantErr: true,
		},
		{
			name:    "integer rejects overflow",
			defs:    []*models.Parameter{{Key: "n", Type: models.TypeInteger}},
			values:  map[string]any{"n": 1e20},
			wantErr: true,
		},
		{
			name:    "integer rejects underflow",
			defs:    []*models.Parameter{{Key: "n", Type: models.TypeInteger}},
			values:  map[string]any{"n": -1e20},
			wantErr: true,
		},
		{
			name:    "integer rejects just past int64",
			defs:    []*models.Parameter{{Key: "n", Type: models.TypeInteger}},
			values:  map[string]any{"n": 9.3e18},
			wantErr: true,
		},
		{
			name:    "integer rejects large uint64",
			defs:    []*models.Parameter{{Key: "n", Type: models.TypeInteger}},
			values:  map[string]any{"n": uint64(1) << 63},
			wantErr: true,
		},
		{
			name:   "integer accepts int64 minimum",
			defs:   []*models.Parameter{{Key: "n", Type: models.TypeInteger}},
			values: map[string]any{"n": float64(math.MinInt64)},
			want:   map[string]any{"n": int64(math.MinInt64)},
		},
		{
			name:    "integer rejects bool",
			defs:    []*models.Parameter{{Key: "n", Type: models.TypeInteger}},
			values:  map[string]any{"n": true},
			wantErr: true,
		},
		{
			name:   "float from int",
			defs:   []*models.Parameter{{Key: "f", Type: models.TypeFloat}},
			values: map[string]any{"f": 2},
			want:   map[string]any{"f": 2.0},
		},
		{
			name:    "boolean strict",
			defs:    []*models.Parameter{{Key: "b", Type: models.TypeBoolean}},
			values:  map[string]any{"b": "true"},
			wantErr: true,
		},
		{
			name:   "any passes through",
			defs:   []*models.Parameter{{Key: "a", Type: models.TypeAny}},
			values: map[string]any{"a": []any{1.0, "x"}},
			want:   map[string]any{"a": []any{1.0, "x"}},
		},
		{
			name:   "datetime epoch millis",
			defs:   []*models.Parameter{{Key: "d", Type: models.TypeDateTime}},
			values: map[string]any{"d": 1700000000000.0},
			want:   map[string]any{"d": int64(1700000000000)},
		},
		{
			name: "nested dictionary",
			defs: []*models.Parameter{{Key: "opts", Type: models.TypeDictionary, Parameters: []*models.Parameter{
				{Key: "depth", Type: models.TypeInteger, Optional: true, Default: 1.0},
			}}},
			values: map[string]any{"opts": map[string]any{}},
			want:   map[string]any{"opts": map[string]any{"depth": int64(1)}},
		},
		{
			name: "nested dictionary unknown key",
			defs: []*models.Parameter{{Key: "opts", Type: models.TypeDictionary, Parameters: []*models.Parameter{
				{Key: "depth", Type: models.TypeInteger, Optional: true, Default: 1.0},
			}}},
			values:  map[string]any{"opts": map[string]any{"width": 2.0}},
			wantErr: true,
		},
		{
			name:   "multi",
			defs:   []*models.Parameter{{Key: "m", Type: models.TypeInteger, Multi: true}},
			values: map[string]any{"m": []any{1.0, 2.0}},
			want:   map[string]any{"m": []any{int64(1), int64(2)}},
		},
		{
			name:    "multi requires list",
			defs:    []*models.Parameter{{Key: "m", Type: models.TypeInteger, Multi: true}},
			values:  map[string]any{"m": 1.0},
			wantErr: true,
		},
		{
			name:    "multi length bound",
			defs:    []*models.Parameter{{Key: "m", Type: models.TypeString, Multi: true, Maximum: ptr(1)}},
			values:  map[string]any{"m": []any{"a", "b"}},
			wantErr: true,
		},
		{
			name:    "string length minimum",
			defs:    []*models.Parameter{{Key: "s", Type: models.TypeString, Minimum: ptr(3)}},
			values:  map[string]any{"s": "ab"},
			wantErr: true,
		},
		{
			name:    "number maximum",
			defs:    []*models.Parameter{{Key: "n", Type: models.TypeFloat, Maximum: ptr(10)}},
			values:  map[string]any{"n": 10.5},
			wantErr: true,
		},
		{
			name:   "regex is unanchored",
			defs:   []*models.Parameter{{Key: "s", Type: models.TypeString, Regex: "b"}},
			values: map[string]any{"s": "abc"},
			want:   map[string]any{"s": "abc"},
		},
		{
			name:    "regex anchored by pattern",
			defs:    []*models.Parameter{{Key: "s", Type: models.TypeString, Regex: "^b"}},
			values:  map[string]any{"s": "abc"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := validate(t, e, tt.defs, tt.values)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, bgerrors.IsValidation(err), "got %T", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			again, err := validate(t, e, tt.defs, got)
			require.NoError(t, err)
			assert.Equal(t, got, again, "validation must be idempotent")
		})
	}
}

func TestStaticChoices(t *testing.T) {
	e := New(nil, nil, Config{})
	color := []*models.Parameter{{
		Key: "color", Type: models.TypeString,
		Choices: &models.Choices{Type: models.ChoicesStatic, Value: []any{"red", "blue"}},
	}}

	_, err := validate(t, e, color, map[string]any{"color": "green"})
	assert.True(t, bgerrors.IsValidation(err))
	_, err = validate(t, e, color, map[string]any{"color": "red"})
	assert.NoError(t, err)

	color[0].Choices.Strict = strictFalse()
	_, err = validate(t, e, color, map[string]any{"color": "green"})
	assert.NoError(t, err)

	multi := []*models.Parameter{{
		Key: "colors", Type: models.TypeString, Multi: true,
		Choices: &models.Choices{Type: models.ChoicesStatic, Value: []any{
			map[string]any{"value": "red", "text": "Red"},
			map[string]any{"value": "blue", "text": "Blue"},
		}},
	}}
	_, err = validate(t, e, multi, map[string]any{"colors": []any{"red", "blue"}})
	assert.NoError(t, err)
	_, err = validate(t, e, multi, map[string]any{"colors": []any{"red", "green"}})
	assert.True(t, bgerrors.IsValidation(err))
}

func TestDictionaryChoices(t *testing.T) {
	e := New(nil, nil, Config{})
	defs := func(withNull bool) []*models.Parameter {
		value := map[string]any{"a": []any{"1", "2"}, "b": []any{"3"}}
		if withNull {
			value["null"] = []any{"1"}
		}
		return []*models.Parameter{
			{
				Key: "p1", Type: models.TypeString, Optional: true, Nullable: true,
				Choices: &models.Choices{Type: models.ChoicesStatic, Value: []any{"a", "b"}},
			},
			{
				Key: "p2", Type: models.TypeString,
				Choices: &models.Choices{
					Type: models.ChoicesStatic, Value: value,
					Details: map[string]any{"key_reference": "p1"},
				},
			},
		}
	}

	_, err := validate(t, e, defs(false), map[string]any{"p1": "a", "p2": "1"})
	assert.NoError(t, err)
	_, err = validate(t, e, defs(false), map[string]any{"p1": "a", "p2": "3"})
	assert.True(t, bgerrors.IsValidation(err))
	_, err = validate(t, e, defs(false), map[string]any{"p2": "1"})
	assert.True(t, bgerrors.IsValidation(err))
	_, err = validate(t, e, defs(true), map[string]any{"p2": "1"})
	assert.NoError(t, err)

	missingRef := defs(false)
	missingRef[1].Choices.Details = nil
	_, err = validate(t, e, missingRef, map[string]any{"p1": "a", "p2": "1"})
	assert.True(t, bgerrors.IsValidation(err))

	byInstance := []*models.Parameter{{
		Key: "target", Type: models.TypeString,
		Choices: &models.Choices{
			Type:    models.ChoicesStatic,
			Value:   map[string]any{"default": []any{"x"}},
			Details: map[string]any{"key_reference": InstanceNameReference},
		},
	}}
	_, err = validate(t, e, byInstance, map[string]any{"target": "x"})
	assert.NoError(t, err)
}

func TestURLChoices(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("region")
		_ = json.NewEncoder(w).Encode([]any{"east", map[string]any{"value": "west", "text": "West"}})
	}))
	defer srv.Close()

	e := New(nil, nil, Config{HTTPClient: srv.Client()})
	defs := []*models.Parameter{
		{Key: "area", Type: models.TypeString},
		{
			Key: "zone", Type: models.TypeString,
			Choices: &models.Choices{Type: models.ChoicesURL, Value: srv.URL + "/zones?region=${area}"},
		},
	}

	_, err := validate(t, e, defs, map[string]any{"area": "eu", "zone": "west"})
	require.NoError(t, err)
	assert.Equal(t, "eu", gotQuery)

	_, err = validate(t, e, defs, map[string]any{"area": "eu", "zone": "north"})
	assert.True(t, bgerrors.IsValidation(err))
}

func TestParseChoicesCommand(t *testing.T) {
	siblings := map[string]any{"p": "v"}

	cc, err := parseChoicesCommand("list_things(kind=${p}, limit='5')", siblings)
	require.NoError(t, err)
	assert.Equal(t, "list_things", cc.command)
	assert.Equal(t, map[string]any{"kind": "v", "limit": "5"}, cc.args)

	cc, err = parseChoicesCommand(map[string]any{
		"command": "colors", "system": "other", "version": "2.0", "instance_name": "i2",
	}, siblings)
	require.NoError(t, err)
	assert.Equal(t, "colors", cc.command)
	assert.Equal(t, "other", cc.system)
	assert.Equal(t, "i2", cc.instance)
	assert.Empty(t, cc.args)

	_, err = parseChoicesCommand("bad(noequals)", siblings)
	assert.Error(t, err)
	_, err = parseChoicesCommand(42, siblings)
	assert.Error(t, err)
}

func TestCommandChoices(t *testing.T) {
	var e *Engine
	pub := &fakePublisher{onPublish: func(r *models.Request) {
		if r.Command != "colors" {
			return
		}
		_, _ = e.Complete(context.Background(), r.ID, models.StatusSuccess, `["red", {"value": "blue", "text": "Blue"}]`, "")
	}}
	e, store := newTestEngine(t, pub)
	ctx := context.Background()

	sys, err := store.FindSystem(ctx, "ns", "echo", "1.0.0")
	require.NoError(t, err)
	sys.Commands = append(sys.Commands, &models.Command{
		Name: "paint",
		Parameters: []*models.Parameter{{
			Key: "color", Type: models.TypeString,
			Choices: &models.Choices{Type: models.ChoicesCommand, Value: "colors"},
		}},
	})
	require.NoError(t, store.SaveSystem(ctx, sys))

	paint := func(color string) *models.Request {
		r := sayRequest("")
		r.Command = "paint"
		r.Parameters = map[string]any{"color": color}
		return r
	}

	created, err := e.Submit(ctx, paint("blue"), 0)
	require.NoError(t, err)
	assert.Equal(t, "blue", created.Parameters["color"])

	_, err = e.Submit(ctx, paint("green"), 0)
	assert.True(t, bgerrors.IsValidation(err))

	deep := context.WithValue(ctx, depthKey{}, 3)
	_, err = e.Submit(deep, paint("blue"), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nested deeper than 3")
}
