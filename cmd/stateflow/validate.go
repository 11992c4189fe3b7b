package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/stateflow/internal/expressions"
	"github.com/rendis/stateflow/internal/validation"
	"github.com/rendis/stateflow/pkg/schema"
)

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE...",
		Short: "Validate JSON or YAML workflow definitions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.validate(cmd.OutOrStdout(), args)
		},
	}
}

func (a *app) validate(w io.Writer, files []string) error {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return err
	}
	v, err := validation.NewWorkflowValidator(cel)
	if err != nil {
		return err
	}
	invalid := 0
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read %s: %w", file, err)
		}
		_, res := v.ValidateDocument(data)
		if !res.Valid() {
			invalid++
		}
		printIssues(w, file, res)
	}
	if invalid > 0 {
		return fmt.Errorf("%d of %d definitions invalid", invalid, len(files))
	}
	return nil
}

// printIssues writes one line per issue, or "ok" for a clean definition.
func printIssues(w io.Writer, file string, res *schema.ValidationResult) {
	if res.Valid() && len(res.Warnings) == 0 {
		fmt.Fprintf(w, "%s: ok\n", file)
		return
	}
	for _, issue := range res.Errors {
		fmt.Fprintf(w, "%s: error %s: %s\n", file, issue.Path, issue.Message)
	}
	for _, issue := range res.Warnings {
		fmt.Fprintf(w, "%s: warning %s: %s\n", file, issue.Path, issue.Message)
	}
}
