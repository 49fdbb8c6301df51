// Copyright 2026 Tom Barlow
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

package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"strings"
	"time"

	sberrors "github.com/tombee/switchboard/pkg/errors"
	"github.com/tombee/switchboard/pkg/workflow"
)

// runTrigger replays the seeded trigger payload. Dry runs of manual
// workflows with no supplied payload synthesize a sample so downstream
// references still resolve.
func (e *Engine) runTrigger(st *execState, node *workflow.Node, res *workflow.NodeResult) (any, error) {
	if st.dryRun && st.req.TriggerType == workflow.TriggerManual && len(st.req.TriggerData.Payload) == 0 {
		res.Summary = "synthesized sample trigger record"
		return sampleTrigger(node), nil
	}
	res.Summary = "trigger payload"
	if out, ok := st.outputs[node.ID]; ok {
		return out, nil
	}
	return st.outputs["trigger"], nil
}

// sampleTrigger builds a stand-in trigger record for dry runs. A sample
// declared on the node wins; otherwise the node's identity is echoed so
// references resolve to something inspectable.
func sampleTrigger(node *workflow.Node) any {
	if sample, ok := node.Data["sample"]; ok {
		return sample
	}
	out := map[string]any{"synthesized": true}
	if appID := node.AppID(); appID != "" {
		out["appId"] = appID
	}
	if fn := node.FunctionID(); fn != "" {
		out["triggerId"] = fn
	}
	if label := node.Data.Label(); label != "" {
		out["label"] = label
	}
	return out
}

// runTransform reshapes data. With a jq program configured the input is
// params["input"] when that key exists, otherwise the whole parameter
// map; without a program the resolved parameters pass through verbatim.
func (e *Engine) runTransform(st *execState, node *workflow.Node, params map[string]any, res *workflow.NodeResult) (any, error) {
	cfg := node.Data.Config()
	program, _ := cfg["jq"].(string)
	if program == "" {
		res.Summary = "transform"
		return params, nil
	}
	var input any = params
	if v, ok := params["input"]; ok {
		input = v
	}
	out, err := e.transforms.Execute(st.hard, program, input)
	if err != nil {
		return nil, &sberrors.NodeError{
			Code:    sberrors.CodeExpressionError,
			NodeID:  node.ID,
			Message: fmt.Sprintf("jq transform failed: %s", err),
			Cause:   err,
		}
	}
	res.Summary = "jq transform"
	return out, nil
}

// runCondition evaluates the branch selector, picks one outgoing edge,
// and prunes every node reachable only through the rejected edges.
func (e *Engine) runCondition(st *execState, node *workflow.Node, params map[string]any, res *workflow.NodeResult) (any, error) {
	value := e.conditionValue(st, node, params, res)

	output := map[string]any{"value": value}
	outgoing := st.plan.Outgoing(node.ID)
	if len(outgoing) == 0 {
		res.Summary = "condition has no outgoing branches"
		return output, nil
	}

	idx := selectBranch(outgoing, value)
	var rejected []workflow.Edge
	for i, edge := range outgoing {
		if i == idx {
			continue
		}
		rejected = append(rejected, edge)
	}

	if idx >= 0 {
		selected := outgoing[idx]
		res.SelectedEdgeID = selected.EdgeID()
		res.SelectedTargetID = selected.Target
		name := selected.Label
		if name == "" {
			name = selected.Target
		}
		res.Summary = fmt.Sprintf("selected branch %s", name)
	} else {
		res.Summary = "no branch matched"
		res.AddLog(fmt.Sprintf("no outgoing edge matched value %v; all branches pruned", value))
	}

	pruned := st.plan.PruneSet(node.ID, rejected)
	for id := range pruned {
		st.skip[id] = true
		st.skipReason[id] = fmt.Sprintf("branch not selected by %s", node.ID)
	}
	if len(pruned) > 0 {
		res.SetDiagnostic("prunedNodes", len(pruned))
	}
	return output, nil
}

// conditionValue derives the branch selector. Declared rules win: the
// first rule whose condition is truthy selects its branch value, and a
// rule set with no match selects nil. Without rules the selector comes
// from the conventional parameter keys.
func (e *Engine) conditionValue(st *execState, node *workflow.Node, params map[string]any, res *workflow.NodeResult) any {
	cfg := node.Data.Config()
	if rules, ok := cfg["rules"].([]any); ok && len(rules) > 0 {
		rctx := st.resolveContext()
		for i, raw := range rules {
			rule, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			val, _, diags := e.resolver.Value(rule["when"], rctx)
			for _, d := range diags {
				res.AddLog(fmt.Sprintf("rule %d: %s", i, d))
			}
			if !truthy(val) {
				continue
			}
			if then, ok := rule["then"]; ok {
				return then
			}
			return val
		}
		return nil
	}
	for _, key := range []string{"value", "result", "condition"} {
		if v, ok := params[key]; ok {
			return v
		}
	}
	return nil
}

// selectBranch picks the outgoing edge index for a selector value, or
// -1 when nothing matches. Exact value match wins, then case-insensitive
// label match, then an edge labeled "default", then an unlabeled edge
// with no declared value.
func selectBranch(outgoing []workflow.Edge, value any) int {
	for i, edge := range outgoing {
		if edge.Value != nil && branchEqual(edge.Value, value) {
			return i
		}
	}
	if label, ok := branchLabel(value); ok && label != "" {
		for i, edge := range outgoing {
			if edge.Label != "" && strings.EqualFold(edge.Label, label) {
				return i
			}
		}
	}
	for i, edge := range outgoing {
		if strings.EqualFold(edge.Label, "default") {
			return i
		}
	}
	for i, edge := range outgoing {
		if edge.Label == "" && edge.Value == nil {
			return i
		}
	}
	return -1
}

// runLoop executes the body subgraph once per collection item. Item and
// index bindings are visible to body nodes through the alias scope and
// restored afterwards so nested loops keep theirs.
func (e *Engine) runLoop(ctx context.Context, st *execState, node *workflow.Node, params map[string]any, logger *slog.Logger, res *workflow.NodeResult) (any, error) {
	collection, ok := params["collection"]
	if !ok {
		collection = params["items"]
	}
	if collection == nil {
		collection = []any{}
	}
	items, ok := collection.([]any)
	if !ok {
		return nil, &sberrors.NodeError{
			Code:    sberrors.CodeParameterResolutionError,
			NodeID:  node.ID,
			Message: fmt.Sprintf("loop collection resolved to %T, want an array", collection),
		}
	}

	cfg := node.Data.Config()
	itemAlias := stringOr(cfg["itemAlias"], "item")
	indexAlias := stringOr(cfg["indexAlias"], "index")

	body := node.Data.LoopBody()
	bodyOrder := st.plan.SubOrder(body)
	if len(bodyOrder) == 0 && len(items) > 0 {
		res.AddLog("loop declares no body nodes; iterations pass items through")
	}

	prevAliases := st.aliases
	defer func() { st.aliases = prevAliases }()

	inBody := make(map[string]bool, len(bodyOrder))
	for _, id := range bodyOrder {
		inBody[id] = true
	}

	// Body members must not run again when the outer walk reaches them,
	// whether the loop succeeds or fails.
	markBody := func() {
		for _, bodyID := range bodyOrder {
			st.skip[bodyID] = true
			if _, ok := st.skipReason[bodyID]; !ok {
				st.skipReason[bodyID] = fmt.Sprintf("body of loop %s", node.ID)
			}
		}
	}

	var firstErr error
	outputs := make([]any, 0, len(items))
	for i, item := range items {
		if ctx.Err() != nil {
			res.SetDiagnostic("iterations", i)
			markBody()
			return nil, cancelledError(node.ID)
		}
		if st.hard.Err() != nil {
			res.SetDiagnostic("iterations", i)
			markBody()
			return nil, deadlineError(node.ID, e.opts.Deadline)
		}

		aliases := make(map[string]any, len(prevAliases)+2)
		for k, v := range prevAliases {
			aliases[k] = v
		}
		aliases[itemAlias] = item
		aliases[indexAlias] = i
		st.aliases = aliases

		// A condition or failure in a previous iteration may have pruned
		// body members; each iteration re-decides its own branches.
		for _, bodyID := range bodyOrder {
			delete(st.skip, bodyID)
		}

		iterationFailed := false
		for _, bodyID := range bodyOrder {
			if st.skip[bodyID] {
				continue
			}
			bodyNode, ok := st.plan.Node(bodyID)
			if !ok {
				continue
			}
			if _, err := e.runNode(ctx, st, bodyNode, logger); err != nil {
				bodyErr := &sberrors.NodeError{
					Code:    sberrors.CodeIntegrationError,
					NodeID:  node.ID,
					Message: fmt.Sprintf("iteration %d: node %s failed: %s", i, bodyID, err),
					Cause:   err,
				}
				if st.stopOnError {
					res.SetDiagnostic("iterations", i)
					markBody()
					return nil, bodyErr
				}
				if firstErr == nil {
					firstErr = bodyErr
				}
				iterationFailed = true
				for pid := range st.plan.PruneSet(bodyID, st.plan.Outgoing(bodyID)) {
					if inBody[pid] {
						st.skip[pid] = true
					}
				}
			}
		}

		// Failed iterations pass the item through rather than echo a
		// previous iteration's tail output.
		iterationOut := any(item)
		if !iterationFailed && len(bodyOrder) > 0 {
			if out, ok := st.outputs[bodyOrder[len(bodyOrder)-1]]; ok {
				iterationOut = out
			}
		}
		outputs = append(outputs, iterationOut)
	}

	markBody()
	res.SetDiagnostic("iterations", len(items))
	if firstErr != nil {
		return nil, firstErr
	}
	res.Summary = fmt.Sprintf("looped %d items", len(items))
	return outputs, nil
}

func cancelledError(nodeID string) *sberrors.NodeError {
	return &sberrors.NodeError{Code: sberrors.CodeCancelled, NodeID: nodeID, Message: "execution cancelled"}
}

func deadlineError(nodeID string, d time.Duration) *sberrors.NodeError {
	return &sberrors.NodeError{
		Code:    sberrors.CodeTimeout,
		NodeID:  nodeID,
		Message: fmt.Sprintf("execution exceeded %s deadline", d),
	}
}

// truthy mirrors expression-language truthiness: empty and zero values
// are false, everything else true.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	return true
}

// branchEqual compares a branch selector with an edge value, treating
// numeric types as interchangeable.
func branchEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	fa, aok := toFloat(a)
	fb, bok := toFloat(b)
	if aok && bok {
		return fa == fb
	}
	return reflect.DeepEqual(a, b)
}

// branchLabel stringifies a selector for label matching.
func branchLabel(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case bool:
		return strconv.FormatBool(t), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case json.Number:
		return t.String(), true
	}
	return "", false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
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

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}
