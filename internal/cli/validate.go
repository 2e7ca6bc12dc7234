package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/ensemble/internal/harness"
)

// ValidationError is one problem found in a scenario file.
type ValidationError struct {
	File    string `json:"file"`
	Message string `json:"message"`
}

// ValidatedScenario summarizes a scenario that loaded cleanly.
type ValidatedScenario struct {
	File   string `json:"file"`
	Name   string `json:"name"`
	Agents int    `json:"agents"`
	Steps  int    `json:"steps"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid     bool                `json:"valid"`
	Scenarios []ValidatedScenario `json:"scenarios"`
	Errors    []ValidationError   `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <scenarios-dir>",
		Short: "Check scenario files without running them",
		Long: `Parse every scenario file in a directory, check call arguments
against the signature schema and check scenario names are unique.
No conductor is contacted.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, dir string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	if _, err := os.Stat(dir); err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeScenario, fmt.Sprintf("scenarios directory not found: %s", dir), nil)
	}
	cfg, err := opts.loadConfig()
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeConfig, "load config", err)
	}
	registry, err := buildRegistry(cfg)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeConfig, "load schema", err)
	}

	files, err := scenarioFiles(dir)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeScenario, "list scenarios", err)
	}
	formatter.VerboseLog("Found %d scenario file(s) in %s", len(files), dir)

	// Registration catches duplicate names and malformed agent lists.
	o := harness.New(nil, harness.WithLogger(opts.logger(cmd.ErrOrStderr())))
	result := ValidationResult{Scenarios: []ValidatedScenario{}}
	for _, file := range files {
		s, err := harness.LoadScenario(file, registry)
		if err == nil {
			err = harness.RegisterScenario(o, s)
		}
		if err != nil {
			result.Errors = append(result.Errors, ValidationError{File: file, Message: err.Error()})
			continue
		}
		result.Scenarios = append(result.Scenarios, ValidatedScenario{
			File:   file,
			Name:   s.Name,
			Agents: len(s.Agents),
			Steps:  len(s.Steps),
		})
	}
	result.Valid = len(result.Errors) == 0

	if opts.Format == "json" {
		status := "ok"
		if !result.Valid {
			status = "error"
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(CLIResponse{Status: status, Data: result}); err != nil {
			return err
		}
	} else {
		w := cmd.OutOrStdout()
		for _, s := range result.Scenarios {
			fmt.Fprintf(w, "✓ %s (%d agents, %d steps)\n", s.Name, s.Agents, s.Steps)
		}
		for _, e := range result.Errors {
			fmt.Fprintf(w, "✗ %s\n  %s\n", e.File, e.Message)
		}
	}

	if !result.Valid {
		return NewExitError(ExitCommandError, fmt.Sprintf("%d invalid scenario file(s)", len(result.Errors)))
	}
	return nil
}

func scenarioFiles(dir string) ([]string, error) {
	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		files = append(files, matches...)
	}
	sort.Strings(files)
	return files, nil
}
