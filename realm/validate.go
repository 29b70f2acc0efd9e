package realm

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/scanner"
	"go/token"
	"regexp"
	"strconv"
	"strings"

	"github.com/wippyai/realm-runner/errors"
)

// DefaultAllowedPackages are pure packages with no access to the
// filesystem, network, process, clock or randomness.
var DefaultAllowedPackages = []string{
	"bytes",
	"container/heap",
	"container/list",
	"errors",
	"math",
	"math/bits",
	"sort",
	"strconv",
	"strings",
	"unicode",
	"unicode/utf8",
}

const (
	sectionPrelude = "prelude"
	sectionBody    = "body"
)

// wrapped is a Go entry laid out as one file, with enough bookkeeping to map
// file positions back to the section the author wrote.
type wrapped struct {
	src          string
	preludeStart int
	preludeEnd   int
	bodyStart    int
	bodyEnd      int
}

// wrapGo lays out an entry as
//
//	package main
//	import _realm "realmhost"
//	<prelude>
//	func Entry(extras map[string]any, <params> any) any {
//	<body>
//	return nil
//	}
//	<helpers>
//
// The body sees its declared params and extras. Fn and call help invoke
// function-valued extras; _invoke is how the host runs a call.
func wrapGo(prelude, body string, params []string) wrapped {
	var b strings.Builder
	w := wrapped{}
	line := 1

	b.WriteString("package main\n")
	line++
	fmt.Fprintf(&b, "import %s %q\n", hostAlias, hostPackage)
	line++

	w.preludeStart = line
	if prelude != "" {
		b.WriteString(prelude)
		b.WriteByte('\n')
		line += strings.Count(prelude, "\n") + 1
	}
	w.preludeEnd = line - 1

	b.WriteString("func Entry(extras map[string]any")
	for _, p := range params {
		b.WriteString(", ")
		b.WriteString(p)
		b.WriteString(" any")
	}
	b.WriteString(") any {\n")
	line++

	w.bodyStart = line
	b.WriteString(body)
	b.WriteByte('\n')
	line += strings.Count(body, "\n") + 1
	w.bodyEnd = line - 1

	b.WriteString("return nil\n}\n")
	b.WriteString("type Fn = func(...any) any\n")
	b.WriteString("func call(f any, args ...any) any { return f.(Fn)(args...) }\n")
	fmt.Fprintf(&b, "func _invoke() { defer %[1]s.Exit(); %[1]s.Run() }\n", hostAlias)

	w.src = b.String()
	return w
}

// authored reports whether line belongs to the prelude or the body.
func (w wrapped) authored(line int) bool {
	return (line >= w.preludeStart && line <= w.preludeEnd) || (line >= w.bodyStart && line <= w.bodyEnd)
}

// locate maps a file line to a section-relative position.
func (w wrapped) locate(line, col int, msg string) *errors.CompileError {
	ce := &errors.CompileError{Message: msg}
	switch {
	case line >= w.preludeStart && line <= w.preludeEnd:
		ce.Section, ce.Line, ce.Column = sectionPrelude, line-w.preludeStart+1, col
	case line >= w.bodyStart && line <= w.bodyEnd:
		ce.Section, ce.Line, ce.Column = sectionBody, line-w.bodyStart+1, col
	}
	return ce
}

// validate parses the wrapped file and enforces the sandbox rules the
// interpreter cannot: the import allow-list, no goroutines and no access to
// the host bridge.
func (w wrapped) validate(allowed map[string]bool) error {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "entry.go", w.src, parser.AllErrors)
	if err != nil {
		var list scanner.ErrorList
		if errors.As(err, &list) && len(list) > 0 {
			first := list[0]
			return w.locate(first.Pos.Line, first.Pos.Column, first.Msg)
		}
		return &errors.CompileError{Message: err.Error()}
	}

	for _, imp := range file.Imports {
		path, _ := strconv.Unquote(imp.Path.Value)
		pos := fset.Position(imp.Pos())
		if path == hostPackage && !w.authored(pos.Line) {
			continue
		}
		if !allowed[path] {
			return w.locate(pos.Line, pos.Column, fmt.Sprintf("import %q is not allowed", path))
		}
	}

	var bad error
	ast.Inspect(file, func(n ast.Node) bool {
		if bad != nil {
			return false
		}
		switch x := n.(type) {
		case *ast.GoStmt:
			pos := fset.Position(x.Pos())
			bad = w.locate(pos.Line, pos.Column, "go statements are not allowed")
			return false
		case *ast.Ident:
			if pos := fset.Position(x.Pos()); x.Name == hostAlias && w.authored(pos.Line) {
				bad = w.locate(pos.Line, pos.Column, fmt.Sprintf("%s is reserved", hostAlias))
				return false
			}
		}
		return true
	})
	return bad
}

var positionRe = regexp.MustCompile(`(?:^|:)(\d+):(\d+): (.*)`)

// fromInterpreter maps an interpreter error message to a compile error.
func (w wrapped) fromInterpreter(err error) *errors.CompileError {
	msg := err.Error()
	m := positionRe.FindStringSubmatch(msg)
	if m == nil {
		return &errors.CompileError{Message: msg}
	}
	line, _ := strconv.Atoi(m[1])
	col, _ := strconv.Atoi(m[2])
	return w.locate(line, col, m[3])
}

func isIdentifier(s string) bool {
	return token.IsIdentifier(s) && s != "extras" && s != "_"
}
