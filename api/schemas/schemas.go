package schemas

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// -- Intent & Page Context --

// SynthesisMode selects the grounding strategy used for a case.
type SynthesisMode string

const (
	ModeSelector    SynthesisMode = "selector"
	ModeComputerUse SynthesisMode = "computer_use"
)

// Intent is the immutable input of a synthesis run: what the user wants
// tested and where.
type Intent struct {
	Name            string        `json:"name,omitempty"`
	Query           string        `json:"query"`
	TargetURL       string        `json:"target_url"`
	Mode            SynthesisMode `json:"mode"`
	CaptchaHandling bool          `json:"captcha_handling"`
	LoadStorage     bool          `json:"load_storage"`
	PersistStorage  bool          `json:"persist_storage"`
}

// Validate checks that the intent carries enough to plan against.
func (i Intent) Validate() error {
	if strings.TrimSpace(i.Query) == "" {
		return errors.New("intent query must not be empty")
	}
	if strings.TrimSpace(i.TargetURL) == "" {
		return errors.New("intent target_url must not be empty")
	}
	switch i.Mode {
	case ModeSelector, ModeComputerUse, "":
	default:
		return fmt.Errorf("unknown synthesis mode %q", i.Mode)
	}
	return nil
}

// PageSnapshot is the sanitized state of a page at a point in time.
// Snapshots are never persisted.
type PageSnapshot struct {
	URL        string    `json:"url"`
	Title      string    `json:"title"`
	HTML       string    `json:"html"`
	Screenshot []byte    `json:"-"`
	CapturedAt time.Time `json:"captured_at"`
}

// FormField describes a single input discovered on a page.
type FormField struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

// FormInfo describes a form discovered on a page.
type FormInfo struct {
	Fields []FormField `json:"fields"`
}

// ButtonInfo describes a clickable control discovered on a page.
type ButtonInfo struct {
	Text string `json:"text"`
	Type string `json:"type"`
}

// PageAnalysis is a coarse structural summary used to steer planning.
type PageAnalysis struct {
	PageType        string       `json:"page_type"`
	Forms           []FormInfo   `json:"forms"`
	Buttons         []ButtonInfo `json:"buttons"`
	TestSuggestions []string     `json:"test_suggestions"`
	HasCaptcha      bool         `json:"has_captcha"`
}

// -- Planning --

// ActionKind classifies an atomic action.
type ActionKind string

const (
	KindNavigation   ActionKind = "navigation"
	KindInteraction  ActionKind = "interaction"
	KindVerification ActionKind = "verification"
)

// Action is one atomic, human-readable step of a plan.
type Action struct {
	Index       int        `json:"index"`
	Description string     `json:"description"`
	Kind        ActionKind `json:"kind"`
}

// ActionPlan is the ordered decomposition of an intent.
type ActionPlan struct {
	Actions  []Action `json:"actions"`
	Fallback bool     `json:"fallback"`
}

// Validate enforces the plan shape: non-empty, navigation first,
// verification last, indices contiguous from zero.
func (p *ActionPlan) Validate() error {
	if p == nil || len(p.Actions) == 0 {
		return errors.New("action plan is empty")
	}
	for i, a := range p.Actions {
		if a.Index != i {
			return fmt.Errorf("action %d has index %d", i, a.Index)
		}
	}
	if p.Actions[0].Kind != KindNavigation {
		return fmt.Errorf("first action must be navigation, got %s", p.Actions[0].Kind)
	}
	if last := p.Actions[len(p.Actions)-1]; last.Kind != KindVerification {
		return fmt.Errorf("last action must be verification, got %s", last.Kind)
	}
	return nil
}

// Descriptions returns the plan's action texts in order.
func (p *ActionPlan) Descriptions() []string {
	out := make([]string, 0, len(p.Actions))
	for _, a := range p.Actions {
		out = append(out, a.Description)
	}
	return out
}

// -- Assembly --

// StepType is the telemetry category of a code block.
type StepType string

const (
	StepTypeAction StepType = "action"
	StepTypeVerify StepType = "verify"
)

// BlockStatus records how a code block came to be.
type BlockStatus string

const (
	BlockGenerated   BlockStatus = "generated"
	BlockPlaceholder BlockStatus = "placeholder"
	BlockRejected    BlockStatus = "rejected"
)

// CodeBlock is the generated code for one action. Lines are un-indented
// statements; indentation is applied when the draft is lowered.
type CodeBlock struct {
	ActionIndex int         `json:"action_index"`
	Description string      `json:"description"`
	StepType    StepType    `json:"step_type"`
	Lines       []string    `json:"lines"`
	Status      BlockStatus `json:"status"`
	Diagnostic  string      `json:"diagnostic,omitempty"`
}

// ErrOutOfOrder is returned when a block would break the draft's ordering.
var ErrOutOfOrder = errors.New("code block out of order")

// ScriptDraft accumulates code blocks in plan order.
type ScriptDraft struct {
	Blocks []CodeBlock `json:"blocks"`
}

// Append adds a block. ActionIndex must be strictly greater than every
// index already in the draft.
func (d *ScriptDraft) Append(b CodeBlock) error {
	if n := len(d.Blocks); n > 0 && b.ActionIndex <= d.Blocks[n-1].ActionIndex {
		return fmt.Errorf("%w: index %d after %d", ErrOutOfOrder, b.ActionIndex, d.Blocks[n-1].ActionIndex)
	}
	d.Blocks = append(d.Blocks, b)
	return nil
}

// Clone returns a deep copy safe to lower while the original keeps growing.
func (d *ScriptDraft) Clone() *ScriptDraft {
	out := &ScriptDraft{Blocks: make([]CodeBlock, len(d.Blocks))}
	for i, b := range d.Blocks {
		b.Lines = append([]string(nil), b.Lines...)
		out.Blocks[i] = b
	}
	return out
}

// Code concatenates the lines of every generated block. It is the
// "previous code" context given to the selector grounding prompt.
func (d *ScriptDraft) Code() string {
	var sb strings.Builder
	for _, b := range d.Blocks {
		if b.Status != BlockGenerated {
			continue
		}
		for _, l := range b.Lines {
			sb.WriteString(l)
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

// -- Execution --

// StepStatus is the lifecycle state of one executed step.
type StepStatus string

const (
	StepRunning StepStatus = "running"
	StepPassed  StepStatus = "passed"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// StepResult is the reconstructed telemetry for one step.
type StepResult struct {
	StepNumber int        `json:"step_number"`
	StepName   string     `json:"step_name"`
	StepType   string     `json:"step_type"`
	Status     StepStatus `json:"status"`
	StartTime  time.Time  `json:"start_time"`
	EndTime    time.Time  `json:"end_time,omitzero"`
	DurationMS int64      `json:"duration_ms"`
	Output     string     `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// ExecutionStatus is the overall outcome of a sandboxed run.
type ExecutionStatus string

const (
	ExecSuccess ExecutionStatus = "success"
	ExecFailed  ExecutionStatus = "failed"
	ExecError   ExecutionStatus = "error"
)

// ExecutionResult is immutable once returned.
type ExecutionResult struct {
	RunID     string          `json:"run_id"`
	Status    ExecutionStatus `json:"status"`
	Script    string          `json:"script"`
	Steps     []StepResult    `json:"steps"`
	RawOutput string          `json:"raw_output"`
	Stderr    string          `json:"stderr"`
	ExitCode  int             `json:"exit_code"`
	Error     string          `json:"error,omitempty"`
	Report    string          `json:"report"`
	Duration  time.Duration   `json:"duration"`
}

// SynthesisResult carries everything produced while turning an intent into
// a script. On failure Script still holds whatever could be lowered.
type SynthesisResult struct {
	Intent      Intent        `json:"intent"`
	TestName    string        `json:"test_name"`
	Plan        *ActionPlan   `json:"plan"`
	Draft       *ScriptDraft  `json:"draft"`
	Script      string        `json:"script"`
	Diagnostics []string      `json:"diagnostics,omitempty"`
	Err         error         `json:"-"`
	Analysis    *PageAnalysis `json:"analysis,omitempty"`
}
