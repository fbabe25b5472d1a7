package script

import (
	"fmt"
	"strconv"
	"time"

	"github.com/xkilldash9x/e2eforge/api/schemas"
)

// DefaultStepDelay is the pause emitted after every interaction.
const DefaultStepDelay = 2 * time.Second

// ScrollDelta is the wheel distance of a scroll action, in CSS pixels.
const ScrollDelta = 300

// NavigationBlock opens the target URL. It is always block 0.
func NavigationBlock(a schemas.Action) schemas.CodeBlock {
	return schemas.CodeBlock{
		ActionIndex: a.Index,
		Description: a.Description,
		StepType:    schemas.StepTypeAction,
		Status:      schemas.BlockGenerated,
		Lines: []string{
			`await page.goto(TARGET_URL, wait_until="load", timeout=30000)`,
		},
	}
}

// PlaceholderBlock stands in for an action that could not be grounded. At
// run time it waits, saves a screenshot for diagnosis and reports skipped.
func PlaceholderBlock(a schemas.Action, diagnostic string) schemas.CodeBlock {
	shot := fmt.Sprintf("action_%d_screenshot.png", a.Index)
	return schemas.CodeBlock{
		ActionIndex: a.Index,
		Description: a.Description,
		StepType:    StepTypeOf(a),
		Status:      schemas.BlockPlaceholder,
		Diagnostic:  diagnostic,
		Lines: []string{
			"await page.wait_for_timeout(2000)",
			fmt.Sprintf("await page.screenshot(path=%s)", PyString(shot)),
			fmt.Sprintf(`print(json.dumps({"event": "screenshot_saved", "step": %d, "path": %s}, ensure_ascii=False))`, a.Index, PyString(shot)),
		},
	}
}

const captchaCall = "await solve_captcha(page)"

// CaptchaBlock hands a captcha step to the script's solve_captcha helper,
// which reads the image with the vision model when the test runs. The
// Skeleton must have Captcha set.
func CaptchaBlock(a schemas.Action) schemas.CodeBlock {
	return schemas.CodeBlock{
		ActionIndex: a.Index,
		Description: a.Description,
		StepType:    schemas.StepTypeAction,
		Status:      schemas.BlockGenerated,
		Diagnostic:  "handled by solve_captcha at run time",
		Lines:       []string{captchaCall},
	}
}

// RejectedBlock records a fragment the validation gate refused. It emits no
// code beyond the skipped step report.
func RejectedBlock(a schemas.Action, diagnostic string) schemas.CodeBlock {
	return schemas.CodeBlock{
		ActionIndex: a.Index,
		Description: a.Description,
		StepType:    StepTypeOf(a),
		Status:      schemas.BlockRejected,
		Diagnostic:  diagnostic,
	}
}

// CoordinateLines lowers a grounded coordinate action. The final action of
// a plan additionally waits for the network to settle, unless it is itself
// a wait.
func CoordinateLines(ca schemas.CoordinateAction, text string, isLast bool, delay time.Duration) []string {
	x, y := num(ca.Coordinates.X), num(ca.Coordinates.Y)
	pause := fmt.Sprintf("await page.wait_for_timeout(%d)", delayMS(delay))
	var out []string
	switch ca.Action {
	case schemas.CoordClick:
		out = append(out,
			fmt.Sprintf("# click at (%s, %s)", x, y),
			fmt.Sprintf("await page.mouse.click(%s, %s)", x, y),
			pause,
		)
	case schemas.CoordFill:
		out = append(out,
			fmt.Sprintf("# fill at (%s, %s)", x, y),
			fmt.Sprintf("await page.mouse.click(%s, %s)", x, y),
			`await page.keyboard.press("Control+a")`,
			`await page.keyboard.press("Delete")`,
		)
		if text != "" {
			out = append(out, fmt.Sprintf("await page.keyboard.type(%s)", PyString(text)))
		}
		out = append(out, pause)
	case schemas.CoordScroll:
		out = append(out,
			fmt.Sprintf("# scroll at (%s, %s)", x, y),
			fmt.Sprintf("await page.mouse.move(%s, %s)", x, y),
			fmt.Sprintf("await page.mouse.wheel(0, %d)", ScrollDelta),
			pause,
		)
	case schemas.CoordWait:
		out = append(out, "await page.wait_for_timeout(2000)")
	}
	if isLast && ca.Action != schemas.CoordWait {
		out = append(out, `await page.wait_for_load_state("networkidle")`)
	}
	return out
}

// VerificationLines re-checks a visual assertion at run time. The verdict
// reached during synthesis is recorded and used when no vision endpoint is
// reachable from the script.
func VerificationLines(a schemas.Action, verdict schemas.VerificationVerdict) []string {
	return []string{
		fmt.Sprintf("# synthesis verdict: passed=%t %s", verdict.Passed, oneLine(verdict.Rationale)),
		fmt.Sprintf("result = await assert_by_screenshot(page, %s, %s, expected=%s)",
			PyString(a.Description), PyString(fmt.Sprintf("Action %d", a.Index)), pyBool(verdict.Passed)),
		"print(json.dumps({\"event\": \"verification\", \"step\": " + strconv.Itoa(a.Index) + ", \"result\": result}, ensure_ascii=False))",
	}
}

// StepTypeOf maps an action kind to its telemetry category.
func StepTypeOf(a schemas.Action) schemas.StepType {
	if a.Kind == schemas.KindVerification {
		return schemas.StepTypeVerify
	}
	return schemas.StepTypeAction
}

func num(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func delayMS(d time.Duration) int64 {
	if d <= 0 {
		d = DefaultStepDelay
	}
	return d.Milliseconds()
}
