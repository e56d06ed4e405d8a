// Package validator checks workflow definitions for structural problems
// before they are activated or executed.
package validator

import (
	"fmt"
	"strings"

	"github.com/nodeflow-io/nodeflow/internal/node/runtime"
	"github.com/nodeflow-io/nodeflow/internal/workflow/model"
)

// Issue is one finding in a validation report.
type Issue struct {
	Code    string `json:"code"`
	Node    string `json:"node,omitempty"`
	Message string `json:"message"`
}

// Report is the outcome of validating one workflow. Errors make the
// workflow unrunnable; warnings do not. Findings appear in workflow
// declaration order, so validating twice yields identical reports.
type Report struct {
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
}

// Valid reports whether the workflow may be executed.
func (r *Report) Valid() bool { return len(r.Errors) == 0 }

func (r *Report) addError(code, node, format string, args ...interface{}) {
	r.Errors = append(r.Errors, Issue{Code: code, Node: node, Message: fmt.Sprintf(format, args...)})
}

func (r *Report) addWarning(code, node, format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, Issue{Code: code, Node: node, Message: fmt.Sprintf(format, args...)})
}

// Validator checks workflows against a node registry.
type Validator struct {
	registry *runtime.Registry
}

// New creates a validator bound to a registry.
func New(registry *runtime.Registry) *Validator {
	return &Validator{registry: registry}
}

// Validate produces the full report for a workflow.
func (v *Validator) Validate(wf *model.Workflow) *Report {
	report := &Report{}

	if len(wf.Nodes) == 0 {
		report.addError("empty_workflow", "", "workflow has no nodes")
		return report
	}

	seen := make(map[string]bool, len(wf.Nodes))
	for _, n := range wf.Nodes {
		if seen[n.Name] {
			report.addError("duplicate_name", n.Name, "duplicate node name %q", n.Name)
		}
		seen[n.Name] = true
	}

	descriptors := make(map[string]runtime.Descriptor)
	for _, n := range wf.Nodes {
		desc, err := v.registry.Describe(n.Type)
		if err != nil {
			report.addError("unknown_type", n.Name, "node %q has unknown type %q", n.Name, n.Type)
			continue
		}
		descriptors[n.Name] = desc
		for _, param := range desc.RequiredParams {
			if val, ok := n.Parameters[param]; !ok || val == "" || val == nil {
				report.addError("missing_parameter", n.Name,
					"node %q is missing required parameter %q", n.Name, param)
			}
		}
	}

	for _, c := range wf.Connections {
		if !seen[c.SourceNode] {
			report.addError("dangling_connection", c.SourceNode,
				"connection references unknown source node %q", c.SourceNode)
		}
		if !seen[c.TargetNode] {
			report.addError("dangling_connection", c.TargetNode,
				"connection references unknown target node %q", c.TargetNode)
		}
		if c.SourceNode == c.TargetNode && c.SourceOutput != "loop" {
			report.addError("self_loop", c.SourceNode,
				"node %q connects to itself on output %q", c.SourceNode, c.SourceOutput)
		}
	}
	if !report.Valid() {
		return report
	}

	v.checkTriggers(wf, descriptors, report)
	v.checkReachability(wf, descriptors, report)
	v.checkCycles(wf, report)
	v.checkFanShapes(wf, descriptors, report)
	return report
}

// checkTriggers warns about trigger nodes that have incoming edges.
func (v *Validator) checkTriggers(wf *model.Workflow, descriptors map[string]runtime.Descriptor, report *Report) {
	for _, n := range wf.Nodes {
		if descriptors[n.Name].IsTrigger && len(wf.ConnectionsTo(n.Name)) > 0 {
			report.addWarning("trigger_with_input", n.Name,
				"trigger node %q has incoming connections", n.Name)
		}
	}
}

// checkReachability warns about nodes a BFS from the trigger set cannot
// reach.
func (v *Validator) checkReachability(wf *model.Workflow, descriptors map[string]runtime.Descriptor, report *Report) {
	reached := make(map[string]bool)
	var frontier []string
	for _, n := range wf.Nodes {
		if descriptors[n.Name].IsTrigger {
			reached[n.Name] = true
			frontier = append(frontier, n.Name)
		}
	}
	if len(frontier) == 0 {
		report.addWarning("no_trigger", "", "workflow has no trigger node")
	}
	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]
		for _, c := range wf.Connections {
			if c.SourceNode == current && !reached[c.TargetNode] {
				reached[c.TargetNode] = true
				frontier = append(frontier, c.TargetNode)
			}
		}
	}
	for _, n := range wf.Nodes {
		if !reached[n.Name] {
			report.addWarning("unreachable", n.Name,
				"node %q is not reachable from any trigger", n.Name)
		}
	}
}

// checkCycles warns about cycles closed by an edge whose source output is
// not "loop". The warning records the cycle path from the re-entry point.
func (v *Validator) checkCycles(wf *model.Workflow, report *Report) {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(wf.Nodes))
	var path []string

	var visit func(n string)
	visit = func(n string) {
		color[n] = grey
		path = append(path, n)
		for _, c := range wf.Connections {
			if c.SourceNode != n || c.SourceOutput == "loop" {
				continue
			}
			switch color[c.TargetNode] {
			case grey:
				report.addWarning("cycle", c.TargetNode,
					"cycle detected: %s", cyclePath(path, c.TargetNode))
			case white:
				visit(c.TargetNode)
			}
		}
		path = path[:len(path)-1]
		color[n] = black
	}
	for _, n := range wf.Nodes {
		if color[n.Name] == white {
			visit(n.Name)
		}
	}
}

// cyclePath renders the recursion-stack segment from the re-entry point.
func cyclePath(path []string, reentry string) string {
	start := 0
	for i, n := range path {
		if n == reentry {
			start = i
			break
		}
	}
	return strings.Join(append(append([]string{}, path[start:]...), reentry), " -> ")
}

// checkFanShapes warns about join and branch nodes wired in degenerate
// ways.
func (v *Validator) checkFanShapes(wf *model.Workflow, descriptors map[string]runtime.Descriptor, report *Report) {
	for _, n := range wf.Nodes {
		switch n.Type {
		case "merge":
			if len(wf.ConnectionsTo(n.Name)) < 2 {
				report.addWarning("merge_single_input", n.Name,
					"merge node %q has fewer than two incoming connections", n.Name)
			}
		case "if", "switch":
			outgoing := 0
			for _, out := range runtime.OutputsFor(descriptors[n.Name], n.Parameters) {
				outgoing += len(wf.ConnectionsFrom(n.Name, out))
			}
			if outgoing == 0 {
				report.addWarning("branch_no_outputs", n.Name,
					"branch node %q has no outgoing connections", n.Name)
			}
		}
	}
}
