package schemas

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// GroundingKind tags which payload a GroundingResult carries.
type GroundingKind string

const (
	GroundingSelectorCode        GroundingKind = "selector_code"
	GroundingCoordinateAction    GroundingKind = "coordinate_action"
	GroundingVerificationVerdict GroundingKind = "verification_verdict"
)

// ErrInvalidGrounding is returned when a grounding payload fails
// validation at the boundary.
var ErrInvalidGrounding = errors.New("invalid grounding result")

// SelectorCode is a code fragment addressing elements by selector.
type SelectorCode struct {
	Code string `json:"code"`
}

// CoordinateActionType is the primitive a coordinate action performs.
type CoordinateActionType string

const (
	CoordClick  CoordinateActionType = "click"
	CoordFill   CoordinateActionType = "fill"
	CoordScroll CoordinateActionType = "scroll"
	CoordWait   CoordinateActionType = "wait"
)

// Point is a viewport coordinate in CSS pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// CoordinateAction is the vision model's answer to "where and what".
type CoordinateAction struct {
	Found       bool                 `json:"element_found"`
	Action      CoordinateActionType `json:"action"`
	Coordinates Point                `json:"coordinates"`
	ElementType string               `json:"element_type,omitempty"`
	InputType   string               `json:"input_type,omitempty"`
	TextToFill  string               `json:"text_to_fill,omitempty"`
	Confidence  float64              `json:"confidence"`
	Reasoning   string               `json:"reasoning,omitempty"`
}

// VerificationVerdict is the vision model's yes/no answer for a check.
type VerificationVerdict struct {
	Passed    bool   `json:"passed"`
	Rationale string `json:"rationale,omitempty"`
}

// GroundingResult holds exactly one of its payloads, selected by Kind.
// Build it through the New* constructors; they validate the payload.
type GroundingResult struct {
	Kind         GroundingKind        `json:"kind"`
	Selector     *SelectorCode        `json:"selector,omitempty"`
	Coordinate   *CoordinateAction    `json:"coordinate,omitempty"`
	Verification *VerificationVerdict `json:"verification,omitempty"`
}

// NewSelectorResult wraps a non-empty code fragment.
func NewSelectorResult(code string) (GroundingResult, error) {
	if strings.TrimSpace(code) == "" {
		return GroundingResult{}, fmt.Errorf("%w: empty selector code", ErrInvalidGrounding)
	}
	return GroundingResult{Kind: GroundingSelectorCode, Selector: &SelectorCode{Code: code}}, nil
}

// NewCoordinateResult validates and wraps a coordinate action.
func NewCoordinateResult(a CoordinateAction) (GroundingResult, error) {
	if err := a.Validate(); err != nil {
		return GroundingResult{}, err
	}
	return GroundingResult{Kind: GroundingCoordinateAction, Coordinate: &a}, nil
}

// NewVerificationResult wraps a verdict.
func NewVerificationResult(v VerificationVerdict) GroundingResult {
	return GroundingResult{Kind: GroundingVerificationVerdict, Verification: &v}
}

// Validate checks that exactly the payload named by Kind is present.
func (g GroundingResult) Validate() error {
	set := 0
	for _, present := range []bool{g.Selector != nil, g.Coordinate != nil, g.Verification != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: %d payloads set", ErrInvalidGrounding, set)
	}
	switch g.Kind {
	case GroundingSelectorCode:
		if g.Selector == nil {
			return fmt.Errorf("%w: kind %s without selector payload", ErrInvalidGrounding, g.Kind)
		}
	case GroundingCoordinateAction:
		if g.Coordinate == nil {
			return fmt.Errorf("%w: kind %s without coordinate payload", ErrInvalidGrounding, g.Kind)
		}
		return g.Coordinate.Validate()
	case GroundingVerificationVerdict:
		if g.Verification == nil {
			return fmt.Errorf("%w: kind %s without verdict payload", ErrInvalidGrounding, g.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidGrounding, g.Kind)
	}
	return nil
}

// Validate rejects actions the executor cannot perform. A not-found
// action is always valid: it carries no coordinates worth checking.
func (a *CoordinateAction) Validate() error {
	if !a.Found {
		return nil
	}
	switch a.Action {
	case CoordClick, CoordFill, CoordScroll, CoordWait:
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidGrounding, a.Action)
	}
	if a.Action == CoordClick || a.Action == CoordFill {
		if a.Coordinates.X < 0 || a.Coordinates.Y < 0 {
			return fmt.Errorf("%w: negative coordinates (%.0f, %.0f)", ErrInvalidGrounding, a.Coordinates.X, a.Coordinates.Y)
		}
	}
	if a.Confidence < 0 || a.Confidence > 1 {
		return fmt.Errorf("%w: confidence %.2f out of range", ErrInvalidGrounding, a.Confidence)
	}
	return nil
}

// quotedLiteral matches the first quoted literal in an action description,
// accepting ASCII and full-width quotes.
var quotedLiteral = regexp.MustCompile(`["'“‘「]([^"'”’」]+)["'”’」]`)

// FillTextFromDescription pulls the quoted literal out of a description
// such as `Type "alice" into the username field`.
func FillTextFromDescription(desc string) string {
	if m := quotedLiteral.FindStringSubmatch(desc); len(m) == 2 {
		return m[1]
	}
	return ""
}
