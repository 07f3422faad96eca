// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package policy statically validates generated Python analysis code
// against an ExecutionPolicy before anything is executed.
//
// The check runs on the tree-sitter syntax tree, so names that appear
// only inside comments or ordinary strings never trigger a rejection.
// Rejected constructs:
//
//   - imports outside the allowed set, imports of forbidden modules or
//     submodules, relative, wildcard and __future__ imports
//   - references to forbidden builtin names (open, exec, eval, ...)
//   - access to forbidden attributes (np.load, pd.read_csv, os.system, ...)
//   - attribute chains that reach a forbidden module, either by dotted
//     path (scipy.io.loadmat, np.ctypeslib) or by member name
//     (matplotlib.os, pd.io.common.os)
//   - any dunder attribute access and dunder string literals
//   - Python 2 exec statements
//   - sources larger than the configured maximum
//
// Validation never rewrites the source.
package policy

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"

	"github.com/AleutianAI/autoeda/services/sandbox/config"
)

// Rule identifies the kind of construct a Violation was raised for.
type Rule string

const (
	RuleImportNotAllowed   Rule = "IMPORT_NOT_ALLOWED"
	RuleForbiddenModule    Rule = "FORBIDDEN_MODULE"
	RuleRelativeImport     Rule = "RELATIVE_IMPORT"
	RuleWildcardImport     Rule = "WILDCARD_IMPORT"
	RuleForbiddenName      Rule = "FORBIDDEN_NAME"
	RuleForbiddenAttribute Rule = "FORBIDDEN_ATTRIBUTE"
	RuleDunderAccess       Rule = "DUNDER_ACCESS"
	RuleExecStatement      Rule = "EXEC_STATEMENT"
	RuleSourceTooLarge     Rule = "SOURCE_TOO_LARGE"
)

// Violation is a policy rejection. It implements error.
type Violation struct {
	Rule      Rule   `json:"rule"`
	Construct string `json:"construct"`
	Line      int    `json:"line"`
	Column    int    `json:"column"`
	Reason    string `json:"reason"`
}

func (v *Violation) Error() string {
	return fmt.Sprintf("policy violation at line %d: %s", v.Line, v.Reason)
}

// SyntaxError reports source that tree-sitter could not parse cleanly.
// It is not a security violation.
type SyntaxError struct {
	Line   int
	Column int
	Near   string
}

func (e *SyntaxError) Error() string {
	if e.Near != "" {
		return fmt.Sprintf("invalid syntax at line %d, column %d near %q", e.Line, e.Column, e.Near)
	}
	return fmt.Sprintf("invalid syntax at line %d, column %d", e.Line, e.Column)
}

// dunderPattern matches names like __class__ or __builtins__.
var dunderPattern = regexp.MustCompile(`^__\w+__$`)

// harmlessDunders may appear as bare names or string literals.
var harmlessDunders = map[string]bool{
	"__name__": true,
	"__main__": true,
	"__doc__":  true,
}

// preboundAliases are the names the harness binds before the unit runs.
var preboundAliases = map[string]string{
	"pd":    "pandas",
	"np":    "numpy",
	"plt":   "matplotlib.pyplot",
	"stats": "scipy.stats",
}

// Validator checks code units against one ExecutionPolicy.
//
// Thread Safety: Safe for concurrent use. The policy is copied into
// lookup sets at construction and a parser is created per call.
type Validator struct {
	allowed        map[string]bool
	forbiddenMods  map[string]bool
	forbiddenNames map[string]bool
	forbiddenAttrs map[string]bool
	maxSourceBytes int
}

// NewValidator builds a Validator for the given policy.
func NewValidator(p config.ExecutionPolicy) *Validator {
	return &Validator{
		allowed:        toSet(p.AllowedModules),
		forbiddenMods:  toSet(p.ForbiddenModules),
		forbiddenNames: toSet(p.ForbiddenCalls),
		forbiddenAttrs: toSet(p.ForbiddenAttributes),
		maxSourceBytes: p.MaxSourceBytes,
	}
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, s := range items {
		set[s] = true
	}
	return set
}

// Validate checks source and returns the first violation in source order.
//
// Description:
//
//	Parses source with the tree-sitter Python grammar. If the tree
//	contains errors a *SyntaxError is returned. Otherwise the tree is
//	walked in source order and the first forbidden construct is
//	returned as a *Violation. Deterministic for a given source and policy.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	source - Python source text.
//
// Outputs:
//
//	error - nil when the source is accepted, *Violation, *SyntaxError,
//	        or a context/parse error.
//
// Thread Safety: Safe for concurrent use.
func (v *Validator) Validate(ctx context.Context, source string) error {
	violations, err := v.scan(ctx, source, true)
	if err != nil {
		return err
	}
	if len(violations) > 0 {
		return &violations[0]
	}
	return nil
}

// ValidateAll returns every violation in source order. Used for
// diagnostics; the coordinator only needs Validate.
func (v *Validator) ValidateAll(ctx context.Context, source string) ([]Violation, error) {
	return v.scan(ctx, source, false)
}

func (v *Validator) scan(ctx context.Context, source string, firstOnly bool) ([]Violation, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	start := time.Now()
	ctx, span := startValidateSpan(ctx, len(source))
	defer span.End()

	if v.maxSourceBytes > 0 && len(source) > v.maxSourceBytes {
		viol := Violation{
			Rule:   RuleSourceTooLarge,
			Line:   1,
			Column: 1,
			Reason: fmt.Sprintf("source is %d bytes, limit is %d", len(source), v.maxSourceBytes),
		}
		recordValidation(ctx, []Violation{viol}, time.Since(start))
		return []Violation{viol}, nil
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(python.GetLanguage())

	src := []byte(source)
	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("parsing python: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		synErr := firstSyntaxError(root, src)
		setValidateSpanResult(span, 0, true)
		return nil, synErr
	}

	w := &walker{v: v, src: src, firstOnly: firstOnly, aliases: make(map[string]string, len(preboundAliases))}
	for k, m := range preboundAliases {
		w.aliases[k] = m
	}
	w.walk(root)

	setValidateSpanResult(span, len(w.violations), false)
	recordValidation(ctx, w.violations, time.Since(start))
	return w.violations, nil
}

// =============================================================================
// Tree Walk
// =============================================================================

type walker struct {
	v          *Validator
	src        []byte
	firstOnly  bool
	violations []Violation

	// aliases maps local names to the module they were imported as.
	aliases map[string]string
}

func (w *walker) done() bool {
	return w.firstOnly && len(w.violations) > 0
}

func (w *walker) add(node *sitter.Node, rule Rule, construct, reason string) {
	p := node.StartPoint()
	w.violations = append(w.violations, Violation{
		Rule:      rule,
		Construct: construct,
		Line:      int(p.Row) + 1,
		Column:    int(p.Column) + 1,
		Reason:    reason,
	})
}

// walk visits nodes in pre-order, which is source order.
func (w *walker) walk(node *sitter.Node) {
	if node == nil || w.done() {
		return
	}

	switch node.Type() {
	case "import_statement":
		w.checkImport(node)
		return
	case "import_from_statement":
		w.checkImportFrom(node)
		return
	case "future_import_statement":
		w.add(node, RuleImportNotAllowed, "__future__", `import of module "__future__" is not allowed`)
		return
	case "exec_statement":
		w.add(node, RuleExecStatement, "exec", "exec statements are not allowed")
		return
	case "attribute":
		w.checkAttribute(node)
	case "identifier":
		w.checkIdentifier(node)
	case "string":
		w.checkString(node)
	}

	for i := 0; i < int(node.ChildCount()); i++ {
		w.walk(node.Child(i))
		if w.done() {
			return
		}
	}
}

func (w *walker) text(node *sitter.Node) string {
	return node.Content(w.src)
}

// dottedName returns the module path of a dotted_name node with any
// whitespace or comments between segments removed.
func (w *walker) dottedName(node *sitter.Node) string {
	if node.Type() != "dotted_name" {
		return strings.Join(strings.Fields(w.text(node)), "")
	}
	parts := make([]string, 0, node.NamedChildCount())
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		if child.Type() == "identifier" {
			parts = append(parts, w.text(child))
		}
	}
	return strings.Join(parts, ".")
}

func (w *walker) checkImport(node *sitter.Node) {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		nameNode := child
		if child.Type() == "aliased_import" {
			nameNode = child.ChildByFieldName("name")
		}
		if nameNode == nil || nameNode.Type() != "dotted_name" {
			continue
		}
		module := w.dottedName(nameNode)
		if alias := child.ChildByFieldName("alias"); alias != nil {
			w.aliases[w.text(alias)] = module
		} else {
			top, _, _ := strings.Cut(module, ".")
			w.aliases[top] = top
		}
		w.checkModule(node, module)
		if w.done() {
			return
		}
	}
}

func (w *walker) checkImportFrom(node *sitter.Node) {
	moduleNode := node.ChildByFieldName("module_name")
	if moduleNode == nil {
		w.add(node, RuleImportNotAllowed, w.text(node), "unrecognised import form")
		return
	}
	if moduleNode.Type() == "relative_import" {
		w.add(moduleNode, RuleRelativeImport, w.text(moduleNode), "relative imports are not allowed")
		return
	}
	module := w.dottedName(moduleNode)
	w.checkModule(node, module)
	if w.done() {
		return
	}

	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		if child.StartByte() == moduleNode.StartByte() && child.EndByte() == moduleNode.EndByte() {
			continue
		}
		switch child.Type() {
		case "wildcard_import":
			w.add(child, RuleWildcardImport, module+".*", fmt.Sprintf("wildcard import from %q is not allowed", module))
		case "dotted_name", "aliased_import":
			nameNode := child
			if child.Type() == "aliased_import" {
				nameNode = child.ChildByFieldName("name")
			}
			if nameNode == nil {
				continue
			}
			name := w.dottedName(nameNode)
			full := module + "." + name
			local := name
			if alias := child.ChildByFieldName("alias"); alias != nil {
				local = w.text(alias)
			}
			w.aliases[local] = full
			if forbidden := w.forbiddenPrefix(full); forbidden != "" {
				w.add(child, RuleForbiddenModule, full, fmt.Sprintf("import of forbidden module %q", forbidden))
			} else if last := lastSegment(name); w.v.forbiddenAttrs[last] || w.v.forbiddenNames[last] {
				w.add(child, RuleForbiddenAttribute, full, fmt.Sprintf("import of forbidden name %q from %q", last, module))
			}
		}
		if w.done() {
			return
		}
	}
}

// checkModule applies the allowed set to the top-level package and the
// forbidden list to every dotted prefix.
func (w *walker) checkModule(node *sitter.Node, module string) {
	if forbidden := w.forbiddenPrefix(module); forbidden != "" {
		w.add(node, RuleForbiddenModule, module, fmt.Sprintf("import of forbidden module %q", forbidden))
		return
	}
	top := module
	if i := strings.IndexByte(module, '.'); i >= 0 {
		top = module[:i]
	}
	if !w.v.allowed[top] {
		w.add(node, RuleImportNotAllowed, module, fmt.Sprintf("import of module %q is not allowed", module))
	}
}

func (w *walker) forbiddenPrefix(module string) string {
	parts := strings.Split(module, ".")
	for i := 1; i <= len(parts); i++ {
		prefix := strings.Join(parts[:i], ".")
		if w.v.forbiddenMods[prefix] {
			return prefix
		}
	}
	return ""
}

func (w *walker) checkAttribute(node *sitter.Node) {
	attr := node.ChildByFieldName("attribute")
	if attr == nil {
		return
	}
	name := w.text(attr)

	// The outermost node of a chain reports a forbidden dotted prefix;
	// inner nodes of the same chain stay quiet.
	var forbidden string
	if chain, ok := w.chain(node); ok {
		forbidden = w.forbiddenPrefix(chain)
	}
	switch {
	case dunderPattern.MatchString(name):
		w.add(attr, RuleDunderAccess, w.text(node), fmt.Sprintf("access to dunder attribute %q is not allowed", name))
	case forbidden != "":
		if isOutermost(node) {
			w.add(attr, RuleForbiddenModule, w.text(node), fmt.Sprintf("access to forbidden module %q", forbidden))
		}
	case w.v.forbiddenMods[name]:
		w.add(attr, RuleForbiddenModule, w.text(node), fmt.Sprintf("access to module %q through an attribute is not allowed", name))
	case w.v.forbiddenAttrs[name]:
		w.add(attr, RuleForbiddenAttribute, w.text(node), fmt.Sprintf("use of forbidden attribute %q", name))
	}
}

// isOutermost reports whether node is not itself the object of an
// enclosing attribute.
func isOutermost(node *sitter.Node) bool {
	parent := node.Parent()
	if parent == nil || parent.Type() != "attribute" {
		return true
	}
	obj := parent.ChildByFieldName("object")
	return obj == nil || obj.StartByte() != node.StartByte() || obj.EndByte() != node.EndByte()
}

// chain resolves an attribute or name made only of identifiers to its
// dotted module path, substituting import aliases for the first segment.
func (w *walker) chain(node *sitter.Node) (string, bool) {
	switch node.Type() {
	case "identifier":
		name := w.text(node)
		if module, ok := w.aliases[name]; ok {
			return module, true
		}
		return name, true
	case "attribute":
		obj := node.ChildByFieldName("object")
		attr := node.ChildByFieldName("attribute")
		if obj == nil || attr == nil {
			return "", false
		}
		prefix, ok := w.chain(obj)
		if !ok {
			return "", false
		}
		return prefix + "." + w.text(attr), true
	}
	return "", false
}

func (w *walker) checkIdentifier(node *sitter.Node) {
	name := w.text(node)
	parent := node.Parent()
	if parent != nil {
		switch parent.Type() {
		case "attribute":
			// Members are handled by checkAttribute; only the object side
			// is a bare name.
			if obj := parent.ChildByFieldName("object"); obj == nil || obj.StartByte() != node.StartByte() {
				return
			}
		case "keyword_argument":
			if n := parent.ChildByFieldName("name"); n != nil && n.StartByte() == node.StartByte() {
				return
			}
		}
	}
	switch {
	case w.v.forbiddenNames[name]:
		w.add(node, RuleForbiddenName, name, fmt.Sprintf("use of forbidden name %q", name))
	case dunderPattern.MatchString(name) && !harmlessDunders[name]:
		w.add(node, RuleDunderAccess, name, fmt.Sprintf("use of dunder name %q is not allowed", name))
	}
}

// checkString rejects plain string literals whose value is a dunder
// name, e.g. d["__builtins__"]. Interpolated strings are skipped.
func (w *walker) checkString(node *sitter.Node) {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		if node.NamedChild(i).Type() == "interpolation" {
			return
		}
	}
	value := stringValue(w.text(node))
	if dunderPattern.MatchString(value) && !harmlessDunders[value] {
		w.add(node, RuleDunderAccess, w.text(node), fmt.Sprintf("dunder string literal %q is not allowed", value))
	}
}

// stringValue strips the prefix and quotes of a Python string literal.
func stringValue(lit string) string {
	s := strings.TrimLeft(lit, "rRbBuUfF")
	for _, q := range []string{`"""`, `'''`, `"`, `'`} {
		if len(s) >= 2*len(q) && strings.HasPrefix(s, q) && strings.HasSuffix(s, q) {
			return s[len(q) : len(s)-len(q)]
		}
	}
	return s
}

func lastSegment(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i+1:]
	}
	return name
}

// firstSyntaxError locates the first ERROR or missing node in source order.
func firstSyntaxError(root *sitter.Node, src []byte) *SyntaxError {
	var found *sitter.Node
	var visit func(n *sitter.Node)
	visit = func(n *sitter.Node) {
		if n == nil || found != nil {
			return
		}
		if n.Type() == "ERROR" || n.IsMissing() {
			found = n
			return
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			visit(n.Child(i))
		}
	}
	visit(root)

	if found == nil {
		return &SyntaxError{Line: 1, Column: 1}
	}
	p := found.StartPoint()
	near := found.Content(src)
	if i := strings.IndexByte(near, '\n'); i >= 0 {
		near = near[:i]
	}
	if len(near) > 40 {
		cut := 40
		for cut > 0 && !utf8.RuneStart(near[cut]) {
			cut--
		}
		near = near[:cut]
	}
	return &SyntaxError{Line: int(p.Row) + 1, Column: int(p.Column) + 1, Near: near}
}
