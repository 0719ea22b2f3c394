package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/baitchat/internal/retrieval"
)

// NewAskCommand creates the ask command.
func NewAskCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask <question...>",
		Short: "Ask about plans, devices, past runs or the queue",
		Long: `Answer a question without submitting anything.

Examples:
  baitchat ask "what motors are there?"
  baitchat ask "explain grid_scan"
  baitchat ask "what was the last count run?"
  baitchat ask "runs since 2025-01-01"
  baitchat ask "what is in the queue?"`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(rootOpts, strings.Join(args, " "), cmd)
		},
	}
	return cmd
}

func runAsk(opts *RootOptions, question string, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)
	app, err := loadApp(opts, f)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx := cmd.Context()
	asst, err := app.Assistant(ctx)
	if err != nil {
		return f.FailErr("cannot start assistant", err)
	}
	ans, err := asst.Ask(ctx, question)
	if err != nil {
		return f.FailErr("cannot answer", err)
	}

	if f.Format == "json" {
		return f.Success(ans)
	}
	f.VerboseLog("topic %s (confidence %.2f)", ans.Topic, ans.Confidence)
	return f.Success(ans.Text)
}

// SearchOptions holds flags for the search command.
type SearchOptions struct {
	*RootOptions
	Limit int
	Kind  string
}

// NewSearchCommand creates the search command.
func NewSearchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SearchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "search <query...>",
		Short: "Search the knowledge base",
		Long: `Search the indexed knowledge base and plan descriptions.

Needs retrieval.knowledge_dir or retrieval.index_path in the config.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(opts, strings.Join(args, " "), cmd)
		},
	}

	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", retrieval.DefaultLimit, "maximum passages")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "only passages of this kind (doc, plan, device)")

	return cmd
}

func runSearch(opts *SearchOptions, query string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	app, err := loadApp(opts.RootOptions, f)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx := cmd.Context()
	docs, err := app.Docs(ctx)
	if err != nil {
		return f.FailErr("cannot open knowledge base", err)
	}
	if docs == nil {
		return f.Fail(ExitCommandError, ErrCodeConfig, "no knowledge base configured (set retrieval.knowledge_dir)", nil)
	}

	var passages []retrieval.Passage
	if opts.Kind != "" {
		passages, err = docs.SearchKind(ctx, query, opts.Kind, opts.Limit)
	} else {
		passages, err = docs.Search(ctx, query, opts.Limit)
	}
	if err != nil {
		return f.FailErr("search failed", err)
	}

	if f.Format == "json" {
		if passages == nil {
			passages = []retrieval.Passage{}
		}
		return f.Success(passages)
	}
	if len(passages) == 0 {
		fmt.Fprintln(f.Writer, "No matching passages.")
		return nil
	}
	for i, p := range passages {
		title := p.Source
		if p.Title != "" {
			title += " - " + p.Title
		}
		fmt.Fprintf(f.Writer, "%d. %s (%.2f)\n", i+1, title, p.Score)
		fmt.Fprintf(f.Writer, "   %s\n", firstLine(p.Text))
	}
	return nil
}

// firstLine returns the first non-empty line of s, shortened for a listing.
func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(line) > 100 {
			return line[:97] + "..."
		}
		return line
	}
	return ""
}
