package captcha

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/e2eforge/api/schemas"
	"github.com/xkilldash9x/e2eforge/internal/config"
	"github.com/xkilldash9x/e2eforge/internal/mocks"
)

var captchaPNG = []byte{0x89, 'P', 'N', 'G'}

func setupHandler(t *testing.T, timeout time.Duration) (*Handler, *mocks.MockLLMClient, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	llm := mocks.NewMockLLMClient()
	return New(llm, config.CaptchaConfig{Enabled: true, Timeout: timeout}, zap.New(core)), llm, logs
}

// captchaPage shows an image matched by the third image selector and an
// input matched by the second input selector.
func captchaPage() *mocks.MockPage {
	page := new(mocks.MockPage)
	for i, sel := range ImageSelectors {
		page.On("IsVisible", mock.Anything, sel).Return(i == 2, nil).Maybe()
	}
	for i, sel := range InputSelectors {
		page.On("IsVisible", mock.Anything, sel).Return(i == 1, nil).Maybe()
	}
	page.On("ElementScreenshot", mock.Anything, ImageSelectors[2]).Return(captchaPNG, nil).Maybe()
	return page
}

func TestSolve(t *testing.T) {
	ctx := context.Background()

	t.Run("recognises and fills", func(t *testing.T) {
		h, llm, _ := setupHandler(t, time.Second)
		page := captchaPage()
		llm.On("Generate", mock.Anything, mock.MatchedBy(func(req schemas.GenerationRequest) bool {
			return req.Tier == schemas.TierVision && len(req.Images) == 1 && string(req.Images[0].Data) == string(captchaPNG)
		})).Return(" 7 \n", nil).Once()
		page.On("Fill", mock.Anything, InputSelectors[1], "7").Return(nil).Once()

		assert.True(t, h.Solve(ctx, page))
		page.AssertExpectations(t)
	})

	t.Run("no captcha on the page", func(t *testing.T) {
		h, llm, _ := setupHandler(t, time.Second)
		page := new(mocks.MockPage)
		page.On("IsVisible", mock.Anything, mock.Anything).Return(false, nil)

		assert.False(t, h.Solve(ctx, page))
		llm.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
	})

	t.Run("unreadable captcha is retried then given up", func(t *testing.T) {
		h, llm, logs := setupHandler(t, time.Second)
		page := captchaPage()
		llm.On("Generate", mock.Anything, mock.Anything).Return(NotFound, nil).Times(maxAttempts)

		assert.False(t, h.Solve(ctx, page))
		llm.AssertExpectations(t)
		page.AssertNotCalled(t, "Fill", mock.Anything, mock.Anything, mock.Anything)
		assert.Equal(t, 1, logs.FilterMessage("Captcha handling failed; continuing without it.").Len())
	})

	t.Run("recognition timeout is logged and non-fatal", func(t *testing.T) {
		h, llm, logs := setupHandler(t, 50*time.Millisecond)
		page := captchaPage()
		llm.On("Generate", mock.Anything, mock.Anything).Return("", context.DeadlineExceeded).Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		})

		start := time.Now()
		assert.False(t, h.Solve(ctx, page))
		assert.Less(t, time.Since(start), 2*time.Second)
		assert.Equal(t, 1, logs.FilterMessage("Captcha handling timed out; continuing without it.").Len())
		assert.NoError(t, ctx.Err(), "the caller's context is untouched")
	})

	t.Run("fill failure is swallowed", func(t *testing.T) {
		h, llm, _ := setupHandler(t, time.Second)
		page := captchaPage()
		llm.On("Generate", mock.Anything, mock.Anything).Return("ab3d", nil)
		page.On("Fill", mock.Anything, InputSelectors[1], "ab3d").Return(errors.New("detached"))

		assert.False(t, h.Solve(ctx, page))
	})
}

func TestCleanAnswer(t *testing.T) {
	cases := map[string]string{
		"12":                   "12",
		"```\nXK7P\n```":       "XK7P",
		`"ab12"`:               "ab12",
		"5\nbecause 2+3=5":     "5",
		"  CAPTCHA_NOT_FOUND ": NotFound,
	}
	for in, want := range cases {
		assert.Equal(t, want, cleanAnswer(in), in)
	}
}
