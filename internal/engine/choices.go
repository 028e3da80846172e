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
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/beer-garden/beergarden/internal/models"
)

// InstanceNameReference lets dictionary choices be keyed by the request's
// instance name instead of a sibling parameter.
const InstanceNameReference = "instance_name"

// resolveChoices returns the values def accepts.
func (e *Engine) resolveChoices(ctx context.Context, req *models.Request, def *models.Parameter, siblings map[string]any, field string) ([]any, error) {
	ch := def.Choices
	switch ch.Type {
	case models.ChoicesStatic:
		return staticChoices(req, ch, siblings, field)
	case models.ChoicesURL:
		raw, ok := ch.Value.(string)
		if !ok {
			return nil, invalid(field, "url choices need a string value")
		}
		return e.urlChoices(ctx, raw, siblings, field)
	case models.ChoicesCommand:
		return e.commandChoices(ctx, req, ch.Value, siblings, field)
	}
	return nil, invalid(field, "unknown choices type %q", ch.Type)
}

func staticChoices(req *models.Request, ch *models.Choices, siblings map[string]any, field string) ([]any, error) {
	switch v := ch.Value.(type) {
	case []any:
		return choiceValues(v), nil
	case []string:
		list, _ := asList(v)
		return list, nil
	case map[string]any:
		ref, ok := ch.KeyReference()
		if !ok {
			return nil, invalid(field, "dictionary choices need details.key_reference")
		}
		var keyValue any
		if ref == InstanceNameReference {
			keyValue = req.InstanceName
		} else {
			keyValue = siblings[ref]
		}
		key := keyString(keyValue)
		entry, ok := v[key]
		if !ok {
			return nil, invalid(field, "no choices for %s=%s", ref, key)
		}
		list, ok := asList(entry)
		if !ok {
			return nil, invalid(field, "choices for %s=%s are not a list", ref, key)
		}
		return choiceValues(list), nil
	}
	return nil, invalid(field, "static choices must be a list or a dictionary")
}

// choiceValues unwraps {"value": ..., "text": ...} entries.
func choiceValues(list []any) []any {
	out := make([]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			if v, ok := m["value"]; ok {
				out = append(out, v)
				continue
			}
		}
		out = append(out, item)
	}
	return out
}

// keyString renders a sibling value as a dictionary key. Null is "null".
func keyString(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case bool:
		if t {
			return "True"
		}
		return "False"
	}
	if n, ok := toInt(v); ok {
		return strconv.FormatInt(n, 10)
	}
	return fmt.Sprint(v)
}

// expandRefs replaces ${name} with the value of sibling parameter name.
func expandRefs(s string, siblings map[string]any) string {
	return os.Expand(s, func(name string) string {
		v := siblings[name]
		if v == nil {
			return ""
		}
		return keyString(v)
	})
}

func (e *Engine) urlChoices(ctx context.Context, raw string, siblings map[string]any, field string) ([]any, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, invalid(field, "invalid choices url: %v", err)
	}
	q := u.Query()
	for key, values := range q {
		for i, v := range values {
			values[i] = expandRefs(v, siblings)
		}
		q[key] = values
	}
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, invalid(field, "invalid choices url: %v", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	resp, err := e.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, invalid(field, "fetching choices: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, invalid(field, "fetching choices: %s returned %d", u.Host, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, invalid(field, "reading choices: %v", err)
	}
	var list []any
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, invalid(field, "choices response is not a JSON list")
	}
	return choiceValues(list), nil
}

var commandExpr = regexp.MustCompile(`^\s*([\w.-]+)\s*(?:\((.*)\))?\s*$`)

// choicesCommand is a parsed command choices expression.
type choicesCommand struct {
	namespace, system, version, instance string
	command                              string
	args                                 map[string]any
}

// parseChoicesCommand accepts "name(arg=${param}, other=literal)" or a map
// with command, system, version, instance_name and namespace keys whose
// command entry uses the same expression syntax.
func parseChoicesCommand(value any, siblings map[string]any) (*choicesCommand, error) {
	cc := &choicesCommand{}
	expr, ok := value.(string)
	if m, isMap := value.(map[string]any); isMap {
		expr, ok = m["command"].(string)
		cc.namespace, _ = m["namespace"].(string)
		cc.system, _ = m["system"].(string)
		cc.version, _ = m["version"].(string)
		cc.instance, _ = m["instance_name"].(string)
	}
	if !ok {
		return nil, fmt.Errorf("command choices need a command expression")
	}

	match := commandExpr.FindStringSubmatch(expr)
	if match == nil {
		return nil, fmt.Errorf("cannot parse command choices %q", expr)
	}
	cc.command = match[1]
	cc.args = make(map[string]any)
	if strings.TrimSpace(match[2]) == "" {
		return cc, nil
	}
	for _, part := range strings.Split(match[2], ",") {
		name, val, found := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		if !found || name == "" {
			return nil, fmt.Errorf("malformed argument %q in command choices", strings.TrimSpace(part))
		}
		val = strings.TrimSpace(val)
		if strings.HasPrefix(val, "${") && strings.HasSuffix(val, "}") {
			cc.args[name] = models.CloneValue(siblings[val[2:len(val)-1]])
			continue
		}
		cc.args[name] = strings.Trim(val, `"'`)
	}
	return cc, nil
}

// commandChoices runs the choices command as a request of its own and
// reads the allowed values from its output.
func (e *Engine) commandChoices(ctx context.Context, parent *models.Request, value any, siblings map[string]any, field string) ([]any, error) {
	depth := choicesDepth(ctx) + 1
	if e.cfg.ChoicesMaxDepth > 0 && depth > e.cfg.ChoicesMaxDepth {
		return nil, invalid(field, "choices commands nested deeper than %d", e.cfg.ChoicesMaxDepth)
	}

	cc, err := parseChoicesCommand(value, siblings)
	if err != nil {
		return nil, invalid(field, "%v", err)
	}
	sub := models.NewRequest(models.RequestTemplate{
		Namespace:     firstNonEmpty(cc.namespace, parent.Namespace),
		System:        firstNonEmpty(cc.system, parent.System),
		SystemVersion: firstNonEmpty(cc.version, parent.SystemVersion),
		InstanceName:  firstNonEmpty(cc.instance, parent.InstanceName),
		Command:       cc.command,
		Parameters:    cc.args,
	})
	sub.Requester = parent.Requester

	wait := e.cfg.CommandChoicesTimeout
	if wait <= 0 {
		wait = -1
	}
	done, err := e.Submit(context.WithValue(ctx, depthKey{}, depth), sub, wait)
	if err != nil {
		return nil, invalid(field, "choices command %s failed: %v", cc.command, err)
	}
	if done.Status != models.StatusSuccess {
		return nil, invalid(field, "choices command %s finished %s", cc.command, done.Status)
	}

	var list []any
	if err := json.Unmarshal([]byte(done.Output), &list); err != nil || len(list) == 0 {
		return nil, invalid(field, "choices command %s must output a non-empty JSON list", cc.command)
	}
	for _, item := range list {
		switch t := item.(type) {
		case string:
		case map[string]any:
			if _, ok := t["value"]; !ok {
				return nil, invalid(field, "choices command %s output objects need a value", cc.command)
			}
		default:
			return nil, invalid(field, "choices command %s output must hold strings or {value,text} objects", cc.command)
		}
	}
	return choiceValues(list), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
