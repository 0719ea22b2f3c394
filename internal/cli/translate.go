package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/baitchat/internal/assistant"
	"github.com/roach88/baitchat/internal/ir"
)

// TranslateOptions holds flags for the translate command.
type TranslateOptions struct {
	*RootOptions
	DryRun bool
	User   string
}

// NewTranslateCommand creates the translate command.
func NewTranslateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TranslateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "translate <request...>",
		Short: "Translate a request into a plan and submit it",
		Long: `Translate an operator request into a whitelisted plan, validate its
arguments and submit it to the queue server.

Exit codes:
  0 - Plan submitted (or ready with --dry-run), or a clarification was asked
  1 - Request rejected
  2 - Command error (bad config, whitelist not loadable)

Examples:
  baitchat translate "count det_a 5 times"
  baitchat translate --dry-run "scan det_a motor_x from -1 to 1 in 21 steps"`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTranslate(opts, strings.Join(args, " "), cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "validate without submitting")
	cmd.Flags().StringVar(&opts.User, "user", "", "operator name recorded with the request")

	return cmd
}

func runTranslate(opts *TranslateOptions, text string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	app, err := loadApp(opts.RootOptions, f)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx := cmd.Context()
	pl, err := app.Pipeline(ctx)
	if err != nil {
		return f.FailErr("cannot start pipeline", err)
	}

	u := ir.Utterance{Text: text, User: opts.User}
	var o ir.Outcome
	if opts.DryRun {
		o = pl.Translate(ctx, u)
	} else {
		o = pl.TranslateAndSubmit(ctx, u)
	}
	return outputOutcome(f, o)
}

// outputOutcome prints an outcome. Rejections exit with ExitFailure.
func outputOutcome(f *OutputFormatter, o ir.Outcome) error {
	rejected := o.Status == ir.OutcomeRejected

	if f.Format == "json" {
		resp := CLIResponse{Status: "ok", Data: o, RequestID: o.RequestID}
		if rejected {
			resp.Status = "error"
			resp.Error = &CLIError{Code: string(o.Code), Message: o.Message}
		}
		if err := json.NewEncoder(f.Writer).Encode(resp); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(f.Writer, outcomeText(o))
		f.VerboseLog("request %s: %s %s", o.RequestID, o.Status, o.Code)
	}

	if rejected {
		return NewExitError(ExitFailure, fmt.Sprintf("%s: %s", o.Code, o.Message))
	}
	return nil
}

// outcomeText renders an outcome for the terminal.
func outcomeText(o ir.Outcome) string {
	switch o.Status {
	case ir.OutcomeSubmitted, ir.OutcomeReady:
		return "✓ " + o.Message
	case ir.OutcomeNeedsClarification:
		msg := "? " + o.Message
		if len(o.Candidates) > 0 {
			msg += "\n  candidates: " + strings.Join(o.Candidates, ", ")
		}
		return msg
	default:
		return fmt.Sprintf("✗ [%s] %s", o.Code, o.Message)
	}
}

// NewChatCommand creates the interactive chat command.
func NewChatCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TranslateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive session: requests and questions, one per line",
		Long: `Read one line at a time from standard input. Questions go to the
assistant; anything else is translated and submitted, with the earlier
requests and replies as context so a clarification can be answered on
the next line. "reset" clears the context; "quit" or end of input ends the
session.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "validate without submitting")
	cmd.Flags().StringVar(&opts.User, "user", "", "operator name recorded with each request")

	return cmd
}

// maxContextTurns bounds the context passed with each request.
const maxContextTurns = 8

func runChat(opts *TranslateOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	app, err := loadApp(opts.RootOptions, f)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx := cmd.Context()
	pl, err := app.Pipeline(ctx)
	if err != nil {
		return f.FailErr("cannot start pipeline", err)
	}
	asst, err := app.Assistant(ctx)
	if err != nil {
		return f.FailErr("cannot start assistant", err)
	}

	w := cmd.OutOrStdout()
	var history []ir.Turn
	scanner := bufio.NewScanner(cmd.InOrStdin())
	for {
		if f.Format != "json" {
			fmt.Fprint(w, "> ")
		}
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		switch strings.ToLower(line) {
		case "":
			continue
		case "quit", "exit":
			return nil
		case "reset":
			history = nil
			fmt.Fprintln(w, "context cleared")
			continue
		}

		if ctx.Err() != nil {
			return nil
		}

		if assistant.IsQuestion(line) {
			ans, err := asst.Ask(ctx, line)
			if err != nil {
				_ = f.Error(errCode(err), err.Error(), nil)
				continue
			}
			if f.Format == "json" {
				_ = f.Success(ans)
			} else {
				fmt.Fprintln(w, ans.Text)
			}
			continue
		}

		u := ir.Utterance{Text: line, Context: history, User: opts.User}
		var o ir.Outcome
		if opts.DryRun {
			o = pl.Translate(ctx, u)
		} else {
			o = pl.TranslateAndSubmit(ctx, u)
		}
		_ = outputOutcome(f, o)

		if o.Status == ir.OutcomeNeedsClarification {
			history = append(history,
				ir.Turn{Role: "operator", Text: line},
				ir.Turn{Role: "assistant", Text: o.Message},
			)
			if len(history) > maxContextTurns {
				history = history[len(history)-maxContextTurns:]
			}
		} else {
			history = nil
		}
	}
	return scanner.Err()
}

// errCode is err's ir code or ErrCodeInternal.
func errCode(err error) string {
	if c := ir.CodeOf(err); c != "" {
		return string(c)
	}
	return ErrCodeInternal
}

// newFormatter creates the formatter for cmd's output streams.
func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}
}
