// Copyright 2022 Basalt Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package plan parses the textual physical plan: one relational operator
// per line, two spaces of indent per depth level, parameters written
// name=[value] with comma separation. Column references are $<int>.
package plan

import (
	"strconv"
	"strings"

	"github.com/basaltdb/basalt/pkg/common/baerr"
	"github.com/basaltdb/basalt/pkg/sort"
)

// Operator names the dialect understands.
const (
	OpTableScan    = "LogicalTableScan"
	OpBindableScan = "BindableTableScan"
	OpFilter       = "LogicalFilter"
	OpProject      = "LogicalProject"
	OpSort         = "LogicalSort"
	OpLimit        = "LogicalLimit"
	OpAggregate    = "LogicalAggregate"
	OpJoin         = "LogicalJoin"
	OpUnion        = "LogicalUnion"
	OpWindow       = "LogicalWindow"
)

// Node is one operator of the parsed plan tree.
type Node struct {
	Op       string
	Params   map[string]string
	Order    []string
	Children []*Node
	Line     int
}

// Param returns the named parameter with brackets stripped.
func (n *Node) Param(name string) (string, bool) {
	v, ok := n.Params[name]
	return v, ok
}

// Parse builds the plan tree from text. The single root is the last
// operator to run; children are indented two spaces deeper.
func Parse(text string) (*Node, error) {
	var root *Node
	stack := make([]*Node, 0, 8)

	lines := strings.Split(text, "\n")
	for i, raw := range lines {
		lineNo := i + 1
		if strings.TrimSpace(raw) == "" {
			continue
		}
		indent := len(raw) - len(strings.TrimLeft(raw, " "))
		if indent%2 != 0 {
			return nil, baerr.NewPlanParse(lineNo, "odd indentation")
		}
		depth := indent / 2

		node, err := parseLine(lineNo, strings.TrimSpace(raw))
		if err != nil {
			return nil, err
		}

		switch {
		case depth == 0:
			if root != nil {
				return nil, baerr.NewPlanParse(lineNo, "more than one root operator")
			}
			root = node
			stack = append(stack[:0], node)
		case depth > len(stack):
			return nil, baerr.NewPlanParse(lineNo, "indentation skips a level")
		default:
			parent := stack[depth-1]
			parent.Children = append(parent.Children, node)
			stack = append(stack[:depth], node)
		}
	}
	if root == nil {
		return nil, baerr.NewPlanParse(0, "empty plan")
	}
	return root, nil
}

func parseLine(lineNo int, line string) (*Node, error) {
	open := strings.Index(line, "(")
	if open < 0 {
		return &Node{Op: line, Params: map[string]string{}, Line: lineNo}, nil
	}
	if !strings.HasSuffix(line, ")") {
		return nil, baerr.NewPlanParse(lineNo, "unbalanced parentheses")
	}
	node := &Node{
		Op:     line[:open],
		Params: map[string]string{},
		Line:   lineNo,
	}
	body := line[open+1 : len(line)-1]
	for _, part := range SplitTopLevel(body) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		eq := strings.Index(part, "=")
		if eq < 0 {
			return nil, baerr.NewPlanParse(lineNo, "parameter without '=': "+part)
		}
		name := strings.TrimSpace(part[:eq])
		value := strings.TrimSpace(part[eq+1:])
		value = stripBrackets(value)
		node.Params[name] = value
		node.Order = append(node.Order, name)
	}
	return node, nil
}

// SplitTopLevel splits on commas outside any bracket nesting.
func SplitTopLevel(s string) []string {
	var out []string
	depth := 0
	last := 0
	for i, c := range s {
		switch c {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, s[last:i])
				last = i + 1
			}
		}
	}
	out = append(out, s[last:])
	return out
}

func stripBrackets(s string) string {
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		return s[1 : len(s)-1]
	}
	return s
}

// ColRef parses a $<int> scalar reference.
func ColRef(s string) (int32, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "$") {
		return 0, baerr.NewPlanParse(0, "not a column reference: "+s)
	}
	n, err := strconv.Atoi(s[1:])
	if err != nil {
		return 0, baerr.NewPlanParse(0, "bad column reference: "+s)
	}
	return int32(n), nil
}

// IntList parses "0, 1, 2" (an optional extra bracket layer is already
// stripped by the parameter parser).
func IntList(s string) ([]int32, error) {
	s = strings.TrimSpace(stripBrackets(s))
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int32, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(p), "$"))
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, baerr.NewPlanParse(0, "bad integer list: "+s)
		}
		out = append(out, int32(n))
	}
	return out, nil
}

// TableName extracts the trailing table name from "[main, t]" or "t".
func TableName(s string) string {
	s = strings.TrimSpace(stripBrackets(s))
	if i := strings.LastIndex(s, ","); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}

// SortVars extracts sortN/dirN pairs and the fetch limit from a sort
// node. fetch is -1 when absent.
func SortVars(n *Node) ([]sort.Field, int64, error) {
	var fields []sort.Field
	for i := 0; ; i++ {
		col, ok := n.Param("sort" + strconv.Itoa(i))
		if !ok {
			break
		}
		ref, err := ColRef(col)
		if err != nil {
			return nil, 0, baerr.NewPlanParse(n.Line, err.Error())
		}
		desc := false
		if dir, ok := n.Param("dir" + strconv.Itoa(i)); ok {
			switch strings.ToUpper(strings.TrimSpace(dir)) {
			case "ASC":
			case "DESC":
				desc = true
			default:
				return nil, 0, baerr.NewPlanParse(n.Line, "bad sort direction: "+dir)
			}
		}
		fields = append(fields, sort.Field{Index: ref, Desc: desc})
	}

	fetch := int64(-1)
	if v, ok := n.Param("fetch"); ok {
		f, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil || f < 0 {
			return nil, 0, baerr.NewPlanParse(n.Line, "bad fetch: "+v)
		}
		fetch = f
	}
	return fields, fetch, nil
}

// GroupSet parses "{0, 1}" group specs.
func GroupSet(s string) ([]int32, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "{")
	s = strings.TrimSuffix(s, "}")
	return IntList(s)
}

// AggCall parses "SUM($2)" or "COUNT()" into name and argument column
// (-1 when absent).
func AggCall(s string) (string, int32, error) {
	s = strings.TrimSpace(s)
	open := strings.Index(s, "(")
	if open < 0 || !strings.HasSuffix(s, ")") {
		return "", 0, baerr.NewPlanParse(0, "bad aggregate call: "+s)
	}
	name := s[:open]
	arg := strings.TrimSpace(s[open+1 : len(s)-1])
	if arg == "" || arg == "*" {
		return name, -1, nil
	}
	col, err := ColRef(arg)
	if err != nil {
		return "", 0, err
	}
	return name, col, nil
}

// JoinKeys parses an equi-join condition "=($0, $3)" or
// "AND(=($0, $3), =($1, $4))" into left/right column pairs, where right
// references are offset by the left child's column count.
func JoinKeys(cond string, leftWidth int32) (left []int32, right []int32, err error) {
	cond = strings.TrimSpace(cond)
	if strings.HasPrefix(cond, "AND(") && strings.HasSuffix(cond, ")") {
		for _, part := range SplitTopLevel(cond[4 : len(cond)-1]) {
			l, r, err := JoinKeys(part, leftWidth)
			if err != nil {
				return nil, nil, err
			}
			left = append(left, l...)
			right = append(right, r...)
		}
		return left, right, nil
	}
	if !strings.HasPrefix(cond, "=(") || !strings.HasSuffix(cond, ")") {
		return nil, nil, baerr.NewPlanParse(0, "unsupported join condition: "+cond)
	}
	parts := SplitTopLevel(cond[2 : len(cond)-1])
	if len(parts) != 2 {
		return nil, nil, baerr.NewPlanParse(0, "join equality needs two sides: "+cond)
	}
	l, err := ColRef(parts[0])
	if err != nil {
		return nil, nil, err
	}
	r, err := ColRef(parts[1])
	if err != nil {
		return nil, nil, err
	}
	if r < leftWidth {
		l, r = r, l
	}
	if r < leftWidth {
		return nil, nil, baerr.NewPlanParse(0, "join condition does not span both inputs: "+cond)
	}
	return append(left, l), append(right, r-leftWidth), nil
}
