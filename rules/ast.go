/*
 * Copyright 2025 The Zato Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package rules

import (
	"fmt"
	"sort"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/vm"
)

// nodeCounter counts every node in an expression tree. The total is the
// rule's complexity rank: cheaper rules are evaluated first.
type nodeCounter struct {
	count int
}

func (c *nodeCounter) Visit(node *ast.Node) {
	c.count++
}

func countNodes(node ast.Node) int {
	counter := &nodeCounter{}
	ast.Walk(&node, counter)
	return counter.count
}

// fieldCollector gathers the top-level identifiers a condition reads,
// excluding identifiers that only name functions being called.
type fieldCollector struct {
	fields  map[string]struct{}
	callees map[string]struct{}
}

func (c *fieldCollector) Visit(node *ast.Node) {
	switch n := (*node).(type) {
	case *ast.IdentifierNode:
		c.fields[n.Value] = struct{}{}
	case *ast.CallNode:
		if callee, ok := n.Callee.(*ast.IdentifierNode); ok {
			c.callees[callee.Value] = struct{}{}
		}
	}
}

func extractFields(node ast.Node) []string {
	collector := &fieldCollector{
		fields:  map[string]struct{}{},
		callees: map[string]struct{}{},
	}
	ast.Walk(&node, collector)

	out := make([]string, 0, len(collector.fields))
	for field := range collector.fields {
		if _, isCallee := collector.callees[field]; isCallee {
			continue
		}
		out = append(out, field)
	}
	sort.Strings(out)
	return out
}

// Logic operators recognized when building a condition tree. Everything
// else becomes a leaf evaluated as one unit.
const (
	opLeaf = iota
	opAnd
	opOr
)

// condNode is a condition tree mirroring the AND/OR structure of a rule's
// expression. Leaves hold independently compiled subexpression programs so
// that one matching cycle can cache and reuse subexpression results across
// rules sharing the same conditions.
type condNode struct {
	op      int
	key     string
	program *vm.Program // leaf only
	left    *condNode
	right   *condNode
}

func buildCondTree(node ast.Node) (*condNode, error) {
	if binary, ok := node.(*ast.BinaryNode); ok {
		switch binary.Operator {
		case "and", "&&":
			return buildLogicNode(opAnd, binary)
		case "or", "||":
			return buildLogicNode(opOr, binary)
		}
	}
	return buildLeafNode(node)
}

func buildLogicNode(op int, binary *ast.BinaryNode) (*condNode, error) {
	left, err := buildCondTree(binary.Left)
	if err != nil {
		return nil, err
	}
	right, err := buildCondTree(binary.Right)
	if err != nil {
		return nil, err
	}
	return &condNode{
		op:    op,
		key:   fmt.Sprintf("%d:(%s):(%s)", op, left.key, right.key),
		left:  left,
		right: right,
	}, nil
}

func buildLeafNode(node ast.Node) (*condNode, error) {
	source := node.String()
	program, err := expr.Compile(source, expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("cannot compile subexpression `%s`: %w", source, err)
	}
	return &condNode{
		op:      opLeaf,
		key:     source,
		program: program,
	}, nil
}

// leafSources returns the sources of all leaves in the tree, used to find
// expressions common to multiple rules.
func (n *condNode) leafSources(out []string) []string {
	if n == nil {
		return out
	}
	if n.op == opLeaf {
		return append(out, n.key)
	}
	out = n.left.leafSources(out)
	out = n.right.leafSources(out)
	return out
}
