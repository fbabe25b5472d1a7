package cmd

import (
	"fmt"
	"os"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/e2eforge/api/schemas"
)

// intentFlags are the flags shared by every command that takes one intent.
type intentFlags struct {
	url            string
	query          string
	name           string
	mode           string
	captcha        bool
	loadStorage    bool
	persistStorage bool
}

func (f *intentFlags) register(cmd *cobra.Command, full bool) {
	cmd.Flags().StringVarP(&f.url, "url", "u", "", "Target URL of the page under test")
	cmd.Flags().StringVarP(&f.query, "query", "q", "", "Natural-language description of the test")
	if !full {
		return
	}
	cmd.Flags().StringVar(&f.name, "name", "", "Case name used in reports")
	cmd.Flags().StringVarP(&f.mode, "mode", "m", "", "Grounding mode: selector or computer_use (default from config)")
	cmd.Flags().BoolVar(&f.captcha, "captcha", false, "Recognize and fill captchas during synthesis")
	cmd.Flags().BoolVar(&f.loadStorage, "load-storage", false, "Restore the saved browser session before the first action")
	cmd.Flags().BoolVar(&f.persistStorage, "persist-storage", false, "Save the browser session after a successful run")
}

func (f *intentFlags) intent() (schemas.Intent, error) {
	in := schemas.Intent{
		Name:            f.name,
		Query:           f.query,
		TargetURL:       f.url,
		Mode:            schemas.SynthesisMode(f.mode),
		CaptchaHandling: f.captcha,
		LoadStorage:     f.loadStorage,
		PersistStorage:  f.persistStorage,
	}
	if err := in.Validate(); err != nil {
		return in, fmt.Errorf("%w (use --url and --query)", err)
	}
	return in, nil
}

// readIntents loads a JSON array of intents, as written by the cases command.
func readIntents(path string) ([]schemas.Intent, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading cases file: %w", err)
	}
	var intents []schemas.Intent
	if err := json.Unmarshal(b, &intents); err != nil {
		return nil, fmt.Errorf("parsing cases file %s: %w", path, err)
	}
	if len(intents) == 0 {
		return nil, fmt.Errorf("cases file %s contains no cases", path)
	}
	for i, in := range intents {
		if err := in.Validate(); err != nil {
			return nil, fmt.Errorf("case %d: %w", i, err)
		}
	}
	return intents, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize output to JSON: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return nil
}
