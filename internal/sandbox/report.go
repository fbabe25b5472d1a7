package sandbox

import (
	"fmt"
	"strings"
	"time"

	"github.com/xkilldash9x/e2eforge/api/schemas"
)

// Report renders a Markdown summary of a run: outcome, step table, the
// planned actions and the script itself.
func Report(res *schemas.ExecutionResult, meta Meta) string {
	var b strings.Builder
	name := meta.TestName
	if name == "" {
		name = "generated test"
	}
	fmt.Fprintf(&b, "# Test report: %s\n\n", name)
	fmt.Fprintf(&b, "- Run: `%s`\n", res.RunID)
	fmt.Fprintf(&b, "- Status: **%s**\n", res.Status)
	fmt.Fprintf(&b, "- Exit code: %d\n", res.ExitCode)
	fmt.Fprintf(&b, "- Duration: %s\n", res.Duration.Round(time.Millisecond))
	if res.Error != "" {
		fmt.Fprintf(&b, "- Error: %s\n", cell(res.Error))
	}

	b.WriteString("\n## Steps\n\n")
	if len(res.Steps) == 0 {
		b.WriteString("No step telemetry was reported.\n")
	} else {
		counts := map[schemas.StepStatus]int{}
		b.WriteString("| # | Step | Type | Status | Duration (ms) | Error |\n")
		b.WriteString("|---|------|------|--------|---------------|-------|\n")
		for _, s := range res.Steps {
			counts[s.Status]++
			fmt.Fprintf(&b, "| %d | %s | %s | %s | %d | %s |\n",
				s.StepNumber, cell(s.StepName), s.StepType, s.Status, s.DurationMS, cell(s.Error))
		}
		fmt.Fprintf(&b, "\n%d passed, %d failed, %d skipped\n",
			counts[schemas.StepPassed], counts[schemas.StepFailed], counts[schemas.StepSkipped])
	}

	if meta.Plan != nil && len(meta.Plan.Actions) > 0 {
		b.WriteString("\n## Planned actions\n\n")
		for i, a := range meta.Plan.Actions {
			fmt.Fprintf(&b, "%d. %s\n", i+1, a.Description)
		}
		if meta.Plan.Fallback {
			b.WriteString("\n_The planner fell back to the default plan._\n")
		}
	}

	if res.Script != "" {
		b.WriteString("\n## Script\n\n```python\n")
		b.WriteString(strings.TrimRight(res.Script, "\n"))
		b.WriteString("\n```\n")
	}
	return b.String()
}

// cell keeps a value on one table row.
func cell(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	return strings.ReplaceAll(s, "|", `\|`)
}
