package sandbox

import (
	"strings"
	"time"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/e2eforge/api/schemas"
)

// Event names the generated scripts emit, one JSON object per line.
const (
	EventTestStart     = "test_start"
	EventStepStart     = "step_start"
	EventStepEnd       = "step_end"
	EventTestCompleted = "test_completed"
	EventTestFailed    = "test_failed"
)

type event struct {
	Event           string `json:"event"`
	StepNumber      *int   `json:"step_number"`
	StepName        string `json:"step_name"`
	StepType        string `json:"step_type"`
	StartTime       string `json:"start_time"`
	EndTime         string `json:"end_time"`
	Status          string `json:"status"`
	DurationMS      *int64 `json:"duration_ms"`
	OutputData      any    `json:"output_data"`
	ErrorMessage    string `json:"error_message"`
	TotalDurationMS int64  `json:"total_duration_ms"`
	Error           string `json:"error"`
	Traceback       string `json:"traceback"`
}

// Timeline is the step history reconstructed from a script's stdout.
type Timeline struct {
	Steps           []schemas.StepResult
	Started         bool
	Completed       bool
	Failed          bool
	FailureError    string
	Traceback       string
	TotalDurationMS int64
}

var timeLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05.999999"}

// ParseEvents scans stdout for telemetry events and ignores everything
// else. Steps keep the order their start events appeared in; an end
// without a start still yields a step. When duration_ms is missing it is
// computed from the start and end timestamps. Lines have no length limit.
func ParseEvents(stdout string) *Timeline {
	tl := &Timeline{Steps: []schemas.StepResult{}}
	open := map[int]int{}

	for rest := stdout; rest != ""; {
		var line string
		line, rest, _ = strings.Cut(rest, "\n")
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "{") || !strings.HasSuffix(line, "}") {
			continue
		}
		var ev event
		if err := json.UnmarshalFromString(line, &ev); err != nil {
			continue
		}

		switch ev.Event {
		case EventTestStart:
			tl.Started = true
		case EventStepStart:
			if ev.StepNumber == nil {
				continue
			}
			open[*ev.StepNumber] = len(tl.Steps)
			tl.Steps = append(tl.Steps, schemas.StepResult{
				StepNumber: *ev.StepNumber,
				StepName:   ev.StepName,
				StepType:   ev.StepType,
				Status:     schemas.StepRunning,
				StartTime:  parseTime(ev.StartTime),
			})
		case EventStepEnd:
			if ev.StepNumber == nil {
				continue
			}
			idx, ok := open[*ev.StepNumber]
			if !ok {
				idx = len(tl.Steps)
				tl.Steps = append(tl.Steps, schemas.StepResult{StepNumber: *ev.StepNumber})
			}
			delete(open, *ev.StepNumber)
			endStep(&tl.Steps[idx], ev)
		case EventTestCompleted:
			tl.Completed = true
			tl.TotalDurationMS = ev.TotalDurationMS
		case EventTestFailed:
			tl.Failed = true
			tl.FailureError = ev.Error
			tl.Traceback = ev.Traceback
		}
	}
	return tl
}

func endStep(s *schemas.StepResult, ev event) {
	s.Status = stepStatus(ev.Status)
	s.EndTime = parseTime(ev.EndTime)
	s.Error = ev.ErrorMessage
	s.Output = outputString(ev.OutputData)
	switch {
	case ev.DurationMS != nil:
		s.DurationMS = *ev.DurationMS
	case !s.StartTime.IsZero() && !s.EndTime.IsZero():
		s.DurationMS = s.EndTime.Sub(s.StartTime).Milliseconds()
	}
}

func stepStatus(s string) schemas.StepStatus {
	switch schemas.StepStatus(s) {
	case schemas.StepPassed, schemas.StepFailed, schemas.StepSkipped, schemas.StepRunning:
		return schemas.StepStatus(s)
	}
	return schemas.StepFailed
}

func outputString(v any) string {
	switch o := v.(type) {
	case nil:
		return ""
	case string:
		return o
	default:
		s, err := json.MarshalToString(o)
		if err != nil {
			return ""
		}
		return s
	}
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
