package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/xkilldash9x/e2eforge/api/schemas"
	"github.com/xkilldash9x/e2eforge/internal/llmutil"
)

// captchaMarkup finds captcha images and inputs in sanitized HTML.
const captchaMarkup = `img[src*="captcha"], img[id*="captcha"], img[class*="captcha"], .captcha img, img[alt*="验证码"], canvas[id*="captcha"], input[name*="captcha"], input[id*="captcha"], input[placeholder*="验证码"]`

const fieldMarkup = "input, select, textarea"

// Analyze summarizes a page for planning. The screenshot is analyzed by the
// vision model; when that fails, or there is no screenshot, the summary is
// derived from the markup. Captcha detection always consults the markup.
func (p *Planner) Analyze(ctx context.Context, snap *schemas.PageSnapshot, query string) *schemas.PageAnalysis {
	if snap == nil {
		return &schemas.PageAnalysis{PageType: "unknown"}
	}
	htmlAnalysis := AnalyzeHTML(snap.HTML)
	if len(snap.Screenshot) == 0 {
		return htmlAnalysis
	}

	raw, err := p.llm.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: analysisSystemPrompt,
		UserPrompt:   fmt.Sprintf(analysisPromptTemplate, snap.Title, snap.URL, query),
		Images:       []schemas.ImagePart{{MIMEType: "image/png", Data: snap.Screenshot}},
		Tier:         schemas.TierVision,
		Options:      schemas.GenerationOptions{Temperature: 0, ForceJSONFormat: true},
	})
	if err != nil {
		p.logger.Warn("Vision page analysis failed; using markup heuristics.", zap.Error(err))
		return htmlAnalysis
	}
	analysis, err := llmutil.ParseJSONResponse[schemas.PageAnalysis](raw)
	if err != nil {
		p.logger.Warn("Vision page analysis unparseable; using markup heuristics.", zap.Error(err))
		return htmlAnalysis
	}
	if analysis.PageType == "" {
		analysis.PageType = htmlAnalysis.PageType
	}
	analysis.HasCaptcha = analysis.HasCaptcha || htmlAnalysis.HasCaptcha
	p.logger.Debug("Page analyzed",
		zap.String("page_type", analysis.PageType),
		zap.Int("forms", len(analysis.Forms)),
		zap.Int("buttons", len(analysis.Buttons)),
		zap.Bool("captcha", analysis.HasCaptcha),
	)
	return analysis
}

// AnalyzeHTML derives a page analysis from markup alone.
func AnalyzeHTML(html string) *schemas.PageAnalysis {
	out := &schemas.PageAnalysis{
		PageType: "unknown",
		Forms:    []schemas.FormInfo{},
		Buttons:  []schemas.ButtonInfo{},
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return out
	}

	out.PageType = pageType(strings.ToLower(html))
	out.HasCaptcha = doc.Find(captchaMarkup).Length() > 0

	doc.Find("form").Each(func(_ int, form *goquery.Selection) {
		if info := formInfo(form.Find(fieldMarkup)); len(info.Fields) > 0 {
			out.Forms = append(out.Forms, info)
		}
	})
	// Many single-page apps render inputs without a form element.
	loose := doc.Find(fieldMarkup).FilterFunction(func(_ int, s *goquery.Selection) bool {
		return s.Closest("form").Length() == 0
	})
	if info := formInfo(loose); len(info.Fields) > 0 {
		out.Forms = append(out.Forms, info)
	}

	doc.Find(`button, input[type="submit"], input[type="button"], [role="button"]`).Each(func(_ int, s *goquery.Selection) {
		text := strings.Join(strings.Fields(s.Text()), " ")
		if text == "" {
			text, _ = s.Attr("value")
		}
		if text == "" {
			return
		}
		typ, ok := s.Attr("type")
		if !ok {
			typ = "button"
		}
		out.Buttons = append(out.Buttons, schemas.ButtonInfo{Text: text, Type: typ})
	})

	out.TestSuggestions = []string{"Exercise the main flow of the " + out.PageType + " page"}
	return out
}

func formInfo(fields *goquery.Selection) schemas.FormInfo {
	info := schemas.FormInfo{}
	fields.Each(func(_ int, s *goquery.Selection) {
		typ, _ := s.Attr("type")
		if typ == "" {
			typ = goquery.NodeName(s)
			if typ == "input" {
				typ = "text"
			}
		}
		switch typ {
		case "hidden", "submit", "button", "image", "reset":
			return
		}
		name := firstAttr(s, "name", "id", "placeholder", "aria-label")
		if name == "" {
			return
		}
		_, required := s.Attr("required")
		info.Fields = append(info.Fields, schemas.FormField{Name: name, Type: typ, Required: required})
	})
	return info
}

func firstAttr(s *goquery.Selection, names ...string) string {
	for _, n := range names {
		if v, ok := s.Attr(n); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func pageType(lowerHTML string) string {
	switch {
	case strings.Contains(lowerHTML, "login") || strings.Contains(lowerHTML, "登录") || strings.Contains(lowerHTML, "sign in"):
		return "login"
	case strings.Contains(lowerHTML, "register") || strings.Contains(lowerHTML, "signup") || strings.Contains(lowerHTML, "sign up"):
		return "registration"
	case strings.Contains(lowerHTML, "dashboard"):
		return "dashboard"
	case strings.Contains(lowerHTML, "<form"):
		return "form"
	default:
		return "unknown"
	}
}
