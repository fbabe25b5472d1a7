// Package script lowers a ScriptDraft into a standalone Playwright (Python,
// async API) program. Code is only ever produced here; everything upstream
// works on CodeBlocks.
package script

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/template"
	"unicode"

	"github.com/xkilldash9x/e2eforge/api/schemas"
	"github.com/xkilldash9x/e2eforge/internal/captcha"
)

// Marker is the single line in the skeleton where action blocks go.
const Marker = "# __ACTION_BLOCKS__"

// ErrMarker is returned when the rendered skeleton does not contain the
// marker exactly once.
var ErrMarker = errors.New("action block marker must appear exactly once")

//go:embed skeleton.py.tmpl
var skeletonSource string

var skeletonTemplate = template.Must(template.New("skeleton").Funcs(template.FuncMap{
	"py":     PyString,
	"pybool": pyBool,
	"pylist": pyList,
}).Parse(skeletonSource))

// StoragePaths locates the three session artifacts a script restores or persists.
type StoragePaths struct {
	Cookies        string `json:"cookies"`
	LocalStorage   string `json:"local_storage"`
	SessionStorage string `json:"session_storage"`
}

// Skeleton holds everything about the script that is not an action block.
type Skeleton struct {
	TestName  string
	TargetURL string
	Headless  bool
	Viewport  schemas.Viewport
	// Restore, when set, loads the session before the first action.
	Restore *StoragePaths
	// Persist, when set, saves the session after the last action.
	Persist *StoragePaths
	// Captcha adds the solve_captcha helper. A draft without a CaptchaBlock
	// calls it once right after navigation.
	Captcha bool
}

type skeletonData struct {
	Skeleton
	ViewportWidth  int
	ViewportHeight int
	Probe          bool
	Marker         string

	CaptchaImageSelectors []string
	CaptchaInputSelectors []string
	CaptchaPrompt         string
	CaptchaQuestion       string
	CaptchaNotFound       string
}

// Lower renders the finished test script. Every block is wrapped in step
// telemetry and inserted at the marker in draft order.
func Lower(draft *schemas.ScriptDraft, sk Skeleton) (string, error) {
	return lower(draft, sk, false)
}

// LowerDOMProbe renders a variant of the partial draft that prints the final
// page content as {"dom_state": ...} instead of step telemetry. Only
// generated blocks are included and the session is never persisted.
func LowerDOMProbe(draft *schemas.ScriptDraft, sk Skeleton) (string, error) {
	sk.Persist = nil
	return lower(draft, sk, true)
}

func lower(draft *schemas.ScriptDraft, sk Skeleton, probe bool) (string, error) {
	if err := checkOrder(draft); err != nil {
		return "", err
	}
	data := skeletonData{
		Skeleton:       sk,
		ViewportWidth:  sk.Viewport.Width,
		ViewportHeight: sk.Viewport.Height,
		Probe:          probe,
		Marker:         Marker,
	}
	if sk.Captcha {
		data.CaptchaImageSelectors = captcha.ImageSelectors
		data.CaptchaInputSelectors = captcha.InputSelectors
		data.CaptchaPrompt = captcha.SystemPrompt
		data.CaptchaQuestion = captcha.UserPrompt
		data.CaptchaNotFound = captcha.NotFound
	}
	if data.ViewportWidth <= 0 || data.ViewportHeight <= 0 {
		data.ViewportWidth, data.ViewportHeight = 1280, 720
	}
	if data.TestName == "" {
		data.TestName = "test_generated"
	}

	var buf bytes.Buffer
	if err := skeletonTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering script skeleton: %w", err)
	}

	lines := strings.Split(buf.String(), "\n")
	at, indent := -1, ""
	for i, l := range lines {
		if strings.TrimSpace(l) != Marker {
			continue
		}
		if at >= 0 {
			return "", ErrMarker
		}
		at, indent = i, l[:len(l)-len(strings.TrimLeft(l, " "))]
	}
	if at < 0 {
		return "", ErrMarker
	}

	var body []string
	if draft != nil {
		solveAfterNav := sk.Captcha && !hasCaptchaBlock(draft)
		for i, b := range draft.Blocks {
			if probe {
				if b.Status != schemas.BlockGenerated {
					continue
				}
				body = append(body, probeBlock(b)...)
			} else {
				body = append(body, blockLines(b)...)
			}
			if i == 0 && solveAfterNav {
				body = append(body, captchaCall, "")
			}
		}
	}
	if len(body) == 0 {
		body = []string{"pass"}
	}
	body = indentLines(body, indent)

	out := make([]string, 0, len(lines)+len(body))
	out = append(out, lines[:at]...)
	out = append(out, body...)
	out = append(out, lines[at+1:]...)
	return strings.Join(out, "\n"), nil
}

func checkOrder(draft *schemas.ScriptDraft) error {
	if draft == nil {
		return nil
	}
	for i := 1; i < len(draft.Blocks); i++ {
		if draft.Blocks[i].ActionIndex <= draft.Blocks[i-1].ActionIndex {
			return fmt.Errorf("%w: index %d after %d", schemas.ErrOutOfOrder, draft.Blocks[i].ActionIndex, draft.Blocks[i-1].ActionIndex)
		}
	}
	return nil
}

const bodyIndent = "    "

// blockLines wraps one block in its step_start/step_end pair. Generated
// blocks report passed or failed; placeholders and rejected fragments
// report skipped with their diagnostic.
func blockLines(b schemas.CodeBlock) []string {
	i := b.ActionIndex
	stepType := b.StepType
	if stepType == "" {
		stepType = schemas.StepTypeAction
	}
	out := []string{
		fmt.Sprintf("# Action %d: %s", i, oneLine(b.Description)),
		fmt.Sprintf("log_step_start(%d, %s, %s)", i, PyString(b.Description), PyString(string(stepType))),
	}

	if b.Status != schemas.BlockGenerated {
		diag := b.Diagnostic
		if diag == "" {
			diag = string(b.Status)
		}
		out = append(out, "try:")
		if len(b.Lines) == 0 {
			out = append(out, bodyIndent+"pass")
		}
		out = append(out, indentLines(b.Lines, bodyIndent)...)
		out = append(out,
			"except Exception as e:",
			bodyIndent+fmt.Sprintf("print(\"placeholder for action %d failed: %%s\" %% e, file=sys.stderr)", i),
			fmt.Sprintf("log_step_end(%d, \"skipped\", error_message=%s)", i, PyString(diag)),
			"",
		)
		return out
	}

	out = append(out, "try:")
	if len(b.Lines) == 0 {
		out = append(out, bodyIndent+"pass")
	}
	out = append(out, indentLines(b.Lines, bodyIndent)...)
	out = append(out,
		bodyIndent+fmt.Sprintf("log_step_end(%d, \"passed\")", i),
		"except Exception as e:",
		bodyIndent+fmt.Sprintf("log_step_end(%d, \"failed\", error_message=str(e))", i),
		bodyIndent+"raise",
		"",
	)
	return out
}

func hasCaptchaBlock(draft *schemas.ScriptDraft) bool {
	for _, b := range draft.Blocks {
		if b.Status == schemas.BlockGenerated && len(b.Lines) > 0 && b.Lines[0] == captchaCall {
			return true
		}
	}
	return false
}

func probeBlock(b schemas.CodeBlock) []string {
	out := []string{fmt.Sprintf("# Action %d: %s", b.ActionIndex, oneLine(b.Description))}
	if len(b.Lines) == 0 {
		return append(out, "pass")
	}
	return append(out, b.Lines...)
}

// indentLines prefixes every non-blank line. Lines that continue a
// triple-quoted string literal are left alone so the literal's content is
// not changed.
func indentLines(lines []string, prefix string) []string {
	out := make([]string, len(lines))
	open := ""
	for i, l := range lines {
		switch {
		case open != "":
			out[i] = l
		case strings.TrimSpace(l) == "":
			out[i] = ""
		default:
			out[i] = prefix + l
		}
		open = tripleQuoteAfter(l, open)
	}
	return out
}

// tripleQuoteAfter scans one line of Python and returns the triple-quote
// delimiter still open at its end, given the one open at its start.
func tripleQuoteAfter(l, open string) string {
	for i := 0; i < len(l); {
		if open != "" {
			switch {
			case l[i] == '\\':
				i += 2
			case strings.HasPrefix(l[i:], open):
				open = ""
				i += 3
			default:
				i++
			}
			continue
		}
		switch c := l[i]; {
		case c == '#':
			return ""
		case strings.HasPrefix(l[i:], `"""`), strings.HasPrefix(l[i:], "'''"):
			open = l[i : i+3]
			i += 3
		case c == '"' || c == '\'':
			i++
			for i < len(l) && l[i] != c {
				if l[i] == '\\' {
					i++
				}
				i++
			}
			i++
		default:
			i++
		}
	}
	return open
}

// oneLine makes s safe for a single comment line. Whitespace runs collapse
// to one space and other non-printable runes are dropped.
func oneLine(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case unicode.IsSpace(r):
			return ' '
		case !unicode.IsPrint(r):
			return -1
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// PyString renders s as a double-quoted Python string literal. Go and
// Python share the escape sequences strconv.Quote emits.
func PyString(s string) string { return strconv.Quote(s) }

func pyList(items []string) string {
	quoted := make([]string, len(items))
	for i, it := range items {
		quoted[i] = PyString(it)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

func pyBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}
