// Package validate is the gate every generated code fragment passes before
// it can enter a script draft.
package validate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"

	"github.com/xkilldash9x/e2eforge/internal/llmutil"
)

var (
	// ErrSyntax is returned when a fragment does not parse as Python.
	ErrSyntax = errors.New("fragment is not valid python")
	// ErrNoPageHandle is returned when a fragment never touches the page.
	ErrNoPageHandle = errors.New("fragment does not reference the page handle")
)

// PageHandle is the identifier generated fragments must drive the browser through.
const PageHandle = "page"

// Fragments are parsed as the body of an async function, which is where the
// assembler places them. This keeps bare `await` and `return` legal.
const wrapperHeader = "async def __fragment():\n"

// Fragment checks a code fragment. The returned error wraps ErrSyntax or
// ErrNoPageHandle; a syntax failure is reported first.
func Fragment(ctx context.Context, code string) error {
	if strings.TrimSpace(code) == "" {
		return fmt.Errorf("%w: empty fragment", ErrSyntax)
	}
	src := []byte(wrap(code))

	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())
	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSyntax, err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		if bad := firstError(root); bad != nil {
			// Line numbers are reported relative to the fragment, not the wrapper.
			line := int(bad.StartPoint().Row)
			return fmt.Errorf("%w: unexpected %q at line %d", ErrSyntax, snippet(bad, src), line)
		}
		return ErrSyntax
	}
	if !referencesIdentifier(root, src, PageHandle) {
		return ErrNoPageHandle
	}
	return nil
}

func wrap(code string) string {
	var sb strings.Builder
	sb.WriteString(wrapperHeader)
	for _, line := range strings.Split(dedent(code), "\n") {
		sb.WriteString("    ")
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// dedent strips the indentation shared by every non-blank line.
func dedent(code string) string {
	lines := strings.Split(strings.ReplaceAll(code, "\t", "    "), "\n")
	common := -1
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			continue
		}
		n := len(l) - len(strings.TrimLeft(l, " "))
		if common < 0 || n < common {
			common = n
		}
	}
	if common <= 0 {
		return strings.Join(lines, "\n")
	}
	for i, l := range lines {
		if len(l) >= common {
			lines[i] = l[common:]
		} else {
			lines[i] = strings.TrimLeft(l, " ")
		}
	}
	return strings.Join(lines, "\n")
}

// Dedent is exposed for callers that store fragments line by line.
func Dedent(code string) string { return dedent(code) }

func firstError(n *sitter.Node) *sitter.Node {
	if n.IsError() || n.IsMissing() {
		return n
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		c := n.Child(i)
		if c == nil || !(c.HasError() || c.IsMissing()) {
			continue
		}
		if bad := firstError(c); bad != nil {
			return bad
		}
	}
	return nil
}

func referencesIdentifier(n *sitter.Node, src []byte, name string) bool {
	if n.Type() == "identifier" && n.Content(src) == name {
		return true
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if c := n.NamedChild(i); c != nil && referencesIdentifier(c, src, name) {
			return true
		}
	}
	return false
}

func snippet(n *sitter.Node, src []byte) string {
	s := strings.TrimSpace(n.Content(src))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return llmutil.Truncate(s, 40)
}
