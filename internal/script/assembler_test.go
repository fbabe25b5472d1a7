package script

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/xkilldash9x/e2eforge/api/schemas"
)

var (
	stepStartRe = regexp.MustCompile(`(?m)^\s*log_step_start\((\d+), `)
	stepEndRe   = regexp.MustCompile(`(?m)^\s*log_step_end\((\d+), "(passed|skipped)"`)
)

func loginPlan() []schemas.Action {
	return []schemas.Action{
		{Index: 0, Description: "Navigate to https://example.com/login", Kind: schemas.KindNavigation},
		{Index: 1, Description: "Fill username with 'admin'", Kind: schemas.KindInteraction},
		{Index: 2, Description: "Fill password with 'X'", Kind: schemas.KindInteraction},
		{Index: 3, Description: "Click the login button", Kind: schemas.KindInteraction},
		{Index: 4, Description: "Assert the dashboard is visible", Kind: schemas.KindVerification},
	}
}

func TestLowerLoginScenario(t *testing.T) {
	plan := loginPlan()
	draft := &schemas.ScriptDraft{}
	require.NoError(t, draft.Append(NavigationBlock(plan[0])))
	codes := []string{
		`await page.fill("input[name='username']", "admin")`,
		`await page.fill("input[name='password']", "X")`,
		`await page.get_by_role("button", name="Login").click()`,
		`await expect(page.get_by_text("Dashboard")).to_be_visible()`,
	}
	for i, code := range codes {
		a := plan[i+1]
		require.NoError(t, draft.Append(schemas.CodeBlock{
			ActionIndex: a.Index, Description: a.Description, StepType: StepTypeOf(a),
			Lines: []string{code, "await page.wait_for_timeout(2000)"}, Status: schemas.BlockGenerated,
		}))
	}

	out, err := Lower(draft, Skeleton{TestName: "test_login", TargetURL: "https://example.com/login", Headless: true})
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2, 3, 4}, indices(stepStartRe, out))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, indices(stepEndRe, out))
	assert.NotContains(t, out, Marker)
	assert.Contains(t, out, `TARGET_URL = "https://example.com/login"`)
	assert.Contains(t, out, "HEADLESS = True")
	assert.Contains(t, out, `log_step_start(4, "Assert the dashboard is visible", "verify")`)
	assert.Contains(t, out, `                await page.fill("input[name='username']", "admin")`, "block body sits inside the step try")
	assert.NotContains(t, out, "restore_cookies")
	assert.NotContains(t, out, "persist_session")
	assert.Contains(t, out, `emit("test_failed"`)
	assert.Contains(t, out, `emit("test_completed"`)
}

func TestLowerStorage(t *testing.T) {
	paths := &StoragePaths{Cookies: "/tmp/run/c.json", LocalStorage: "/tmp/run/l.json", SessionStorage: "/tmp/run/s.json"}
	out, err := Lower(&schemas.ScriptDraft{}, Skeleton{TargetURL: "https://a.test", Restore: paths, Persist: paths})
	require.NoError(t, err)

	assert.Contains(t, out, `RESTORE_COOKIES = "/tmp/run/c.json"`)
	assert.Contains(t, out, `PERSIST_SESSION_STORAGE = "/tmp/run/s.json"`)
	restore := strings.Index(out, "await restore_cookies(context)")
	persist := strings.Index(out, "await persist_session(context, page)")
	require.Positive(t, restore)
	require.Positive(t, persist)
	assert.Less(t, restore, persist)
	assert.Contains(t, out, "TEST_NAME = \"test_generated\"")
}

func TestLowerPlaceholderAndRejected(t *testing.T) {
	plan := loginPlan()
	draft := &schemas.ScriptDraft{}
	require.NoError(t, draft.Append(NavigationBlock(plan[0])))
	require.NoError(t, draft.Append(PlaceholderBlock(plan[1], "element not found")))
	require.NoError(t, draft.Append(RejectedBlock(plan[2], "fragment does not reference the page handle")))

	out, err := Lower(draft, Skeleton{TargetURL: "https://a.test"})
	require.NoError(t, err)
	assert.Contains(t, out, `log_step_end(1, "skipped", error_message="element not found")`)
	assert.Contains(t, out, `log_step_end(2, "skipped", error_message="fragment does not reference the page handle")`)
	assert.Contains(t, out, `await page.screenshot(path="action_1_screenshot.png")`)
}

func TestLowerRejectsOutOfOrderDraft(t *testing.T) {
	draft := &schemas.ScriptDraft{Blocks: []schemas.CodeBlock{{ActionIndex: 2}, {ActionIndex: 1}}}
	_, err := Lower(draft, Skeleton{})
	assert.ErrorIs(t, err, schemas.ErrOutOfOrder)
}

func TestLowerDOMProbe(t *testing.T) {
	plan := loginPlan()
	draft := &schemas.ScriptDraft{}
	require.NoError(t, draft.Append(NavigationBlock(plan[0])))
	require.NoError(t, draft.Append(schemas.CodeBlock{ActionIndex: 1, Lines: []string{`await page.fill("#u", "admin")`}, Status: schemas.BlockGenerated}))
	require.NoError(t, draft.Append(PlaceholderBlock(plan[2], "not found")))

	out, err := LowerDOMProbe(draft, Skeleton{TargetURL: "https://a.test", Persist: &StoragePaths{Cookies: "c"}})
	require.NoError(t, err)
	assert.Contains(t, out, `print(json.dumps({"dom_state": await page.content()}`)
	assert.Contains(t, out, `            await page.fill("#u", "admin")`)
	assert.NotContains(t, out, "action_2_screenshot.png")
	assert.NotContains(t, out, "persist_session")
	assert.NotRegexp(t, `(?m)^\s+log_step_start\(`, out)
}

func TestCoordinateLines(t *testing.T) {
	click := CoordinateLines(schemas.CoordinateAction{Found: true, Action: schemas.CoordClick, Coordinates: schemas.Point{X: 120, Y: 45.5}}, "", false, 0)
	assert.Equal(t, []string{"# click at (120, 45.5)", "await page.mouse.click(120, 45.5)", "await page.wait_for_timeout(2000)"}, click)

	fill := CoordinateLines(schemas.CoordinateAction{Found: true, Action: schemas.CoordFill, Coordinates: schemas.Point{X: 10, Y: 20}}, `it's "quoted"`, true, 500*1e6)
	assert.Contains(t, fill, `await page.keyboard.press("Control+a")`)
	assert.Contains(t, fill, `await page.keyboard.type("it's \"quoted\"")`)
	assert.Contains(t, fill, "await page.wait_for_timeout(500)")
	assert.Equal(t, `await page.wait_for_load_state("networkidle")`, fill[len(fill)-1])

	wait := CoordinateLines(schemas.CoordinateAction{Found: true, Action: schemas.CoordWait}, "", true, 0)
	assert.Equal(t, []string{"await page.wait_for_timeout(2000)"}, wait)

	scroll := CoordinateLines(schemas.CoordinateAction{Found: true, Action: schemas.CoordScroll, Coordinates: schemas.Point{X: 1, Y: 2}}, "", false, 0)
	assert.Contains(t, scroll, "await page.mouse.wheel(0, 300)")
}

func TestVerificationLines(t *testing.T) {
	lines := VerificationLines(schemas.Action{Index: 3, Description: "验证 dashboard 可见"}, schemas.VerificationVerdict{Passed: true, Rationale: "header\nshown"})
	assert.Equal(t, "# synthesis verdict: passed=true header shown", lines[0])
	assert.Contains(t, lines[1], `"Action 3", expected=True)`)
}

func TestPyString(t *testing.T) {
	assert.Equal(t, `"a\"b\\c\n"`, PyString("a\"b\\c\n"))
	assert.Equal(t, `"登录"`, PyString("登录"))
}

// For any draft, lowering emits one start/end pair per block, in draft
// order, and consumes the marker.
func TestLowerPreservesBlockOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 25).Draw(t, "blocks")
		draft := &schemas.ScriptDraft{}
		idx := -1
		var want []int
		for i := 0; i < n; i++ {
			idx += rapid.IntRange(1, 3).Draw(t, "gap")
			status := rapid.SampledFrom([]schemas.BlockStatus{schemas.BlockGenerated, schemas.BlockPlaceholder, schemas.BlockRejected}).Draw(t, "status")
			desc := rapid.StringMatching(`[a-zA-Z0-9 '"\\]{0,20}`).Draw(t, "desc")
			if err := draft.Append(schemas.CodeBlock{
				ActionIndex: idx, Description: desc, Status: status,
				Lines: []string{fmt.Sprintf("await page.click(%s)", strconv.Quote(desc))},
			}); err != nil {
				t.Fatalf("append: %v", err)
			}
			want = append(want, idx)
		}

		out, err := Lower(draft, Skeleton{TargetURL: "https://a.test"})
		if err != nil {
			t.Fatalf("lower: %v", err)
		}
		if strings.Contains(out, Marker) {
			t.Fatalf("marker left in output")
		}
		starts := indices(stepStartRe, out)
		ends := indices(stepEndRe, out)
		if fmt.Sprint(starts) != fmt.Sprint(want) || fmt.Sprint(ends) != fmt.Sprint(want) {
			t.Fatalf("want %v, got starts %v ends %v", want, starts, ends)
		}
	})
}

func indices(re *regexp.Regexp, s string) []int {
	out := []int{}
	for _, m := range re.FindAllStringSubmatch(s, -1) {
		n, _ := strconv.Atoi(m[1])
		out = append(out, n)
	}
	return out
}
