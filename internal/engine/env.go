package engine

import (
	"github.com/xkilldash9x/e2eforge/internal/config"
)

// geminiCompatEndpoint is Gemini's OpenAI-compatible surface, used by the
// generated scripts when the vision model is configured as a Gemini model.
const geminiCompatEndpoint = "https://generativelanguage.googleapis.com/v1beta/openai/"

// ScriptEnv returns the environment generated scripts need to re-check
// verifications against the vision model at run time.
func ScriptEnv(vision config.LLMModelConfig) []string {
	endpoint := vision.Endpoint
	if endpoint == "" && vision.Provider == config.ProviderGemini {
		endpoint = geminiCompatEndpoint
	}
	if endpoint == "" {
		return nil
	}
	return []string{
		"E2EFORGE_VISION_ENDPOINT=" + endpoint,
		"E2EFORGE_VISION_API_KEY=" + vision.APIKey,
		"E2EFORGE_VISION_MODEL=" + vision.Model,
	}
}
