package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/stateflow/internal/engine"
	"github.com/rendis/stateflow/internal/store"
	"github.com/rendis/stateflow/pkg/schema"
)

type runOptions struct {
	file     string
	input    string
	breaks   []string
	noPrompt bool
}

// runResult is what run prints on stdout.
type runResult struct {
	ExecutionID   string                 `json:"execution_id"`
	Status        schema.ExecutionStatus `json:"status"`
	Output        json.RawMessage        `json:"output,omitempty"`
	Error         string                 `json:"error,omitempty"`
	ErrorCode     string                 `json:"error_code,omitempty"`
	PausedAtState string                 `json:"paused_at_state,omitempty"`
	PausedInput   json.RawMessage        `json:"paused_input,omitempty"`
}

func newRunCmd(a *app) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Run a JSON or YAML workflow definition once, in memory",
		Long: `run executes a definition file on an ephemeral in-memory engine and prints
the final execution as JSON. With --break the run pauses before the named
states and prompts on stdin: an empty line continues, a JSON document
replaces the paused input and "stop" cancels the execution.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.file = args[0]
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.run(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.input, "input", "", "execution input as JSON, or @path to read it from a file")
	cmd.Flags().StringSliceVar(&opts.breaks, "break", nil, "pause before this state (repeatable)")
	cmd.Flags().BoolVar(&opts.noPrompt, "no-prompt", false, "stop at the first breakpoint instead of prompting")
	return cmd
}

func (a *app) run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, opts runOptions) error {
	data, err := os.ReadFile(opts.file)
	if err != nil {
		return fmt.Errorf("read definition: %w", err)
	}
	input, err := readInput(opts.input)
	if err != nil {
		return err
	}

	st, err := buildStack(ctx, a.cfg, store.NewMemoryStore(), a.logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = st.close(shutdownCtx)
	}()
	e := st.engine

	def, res := e.ValidateDocument(data)
	if !res.Valid() {
		printIssues(stderr, opts.file, res)
		return res.ToError()
	}
	name := strings.TrimSuffix(filepath.Base(opts.file), filepath.Ext(opts.file))
	wf, err := e.CreateWorkflow(ctx, engine.WorkflowSpec{Name: name, Definition: *def})
	if err != nil {
		return err
	}
	exec, err := e.StartExecution(ctx, wf.ID, input, engine.StartOptions{Breakpoints: opts.breaks})
	if err != nil {
		return err
	}

	prompt := bufio.NewReader(stdin)
	for {
		exec, err = e.Wait(ctx, exec.ID)
		if err != nil {
			if ctx.Err() == nil {
				return err
			}
			exec, err = stopAndWait(e, exec.ID)
			if err != nil {
				return err
			}
			break
		}
		if exec.Status != schema.ExecutionPaused || opts.noPrompt {
			break
		}

		fmt.Fprintf(stderr, "paused before %s\ninput: %s\n[enter] continue, JSON replaces input, \"stop\" cancels> ",
			exec.PausedAtState, exec.PausedInput)
		line, readErr := prompt.ReadString('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return readErr
		}
		line = strings.TrimSpace(line)
		if line == "stop" {
			if exec, err = stopAndWait(e, exec.ID); err != nil {
				return err
			}
			break
		}
		var replacement json.RawMessage
		if line != "" {
			replacement = json.RawMessage(line)
		}
		if _, err := e.Resume(ctx, exec.ID, replacement); err != nil {
			return err
		}
	}

	if err := writeResult(stdout, exec); err != nil {
		return err
	}
	switch exec.Status {
	case schema.ExecutionSucceeded, schema.ExecutionPaused:
		return nil
	default:
		return fmt.Errorf("execution %s: %s", exec.Status, exec.Error)
	}
}

func stopAndWait(e *engine.Engine, executionID string) (*store.WorkflowExecution, error) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.StopExecution(ctx, executionID); err != nil && schema.CodeOf(err) != schema.ErrCodeInvalidState {
		return nil, err
	}
	return e.Wait(ctx, executionID)
}

// readInput returns the literal JSON or the contents of @path.
func readInput(v string) (json.RawMessage, error) {
	if v == "" {
		return nil, nil
	}
	if path, ok := strings.CutPrefix(v, "@"); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read input: %w", err)
		}
		return data, nil
	}
	return json.RawMessage(v), nil
}

func writeResult(w io.Writer, exec *store.WorkflowExecution) error {
	out := runResult{
		ExecutionID:   exec.ID,
		Status:        exec.Status,
		Output:        exec.Output,
		Error:         exec.Error,
		ErrorCode:     exec.ErrorCode,
		PausedAtState: exec.PausedAtState,
		PausedInput:   exec.PausedInput,
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
