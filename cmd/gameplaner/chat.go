package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/nugget/game-planer/internal/agent"
	"github.com/nugget/game-planer/internal/config"
)

// chatter runs one conversational turn. *agent.Loop satisfies it.
type chatter interface {
	Run(ctx context.Context, sessionID, userInput string) (*agent.Response, error)
}

var (
	promptStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	botStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("212")).Bold(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

func newChatCmd(g *globals) *cobra.Command {
	var (
		sessionID string
		style     string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(g, cmd.ErrOrStderr(), logDefaults{level: "warn", format: config.LogFormatPretty})
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			render, err := newRenderer(style)
			if err != nil {
				return err
			}
			return runChat(cmd.Context(), a.loop, sessionID, cmd.InOrStdin(), cmd.OutOrStdout(), render)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "cli", "session identifier")
	cmd.Flags().StringVar(&style, "style", "auto", "answer rendering: auto, dark, light, notty, or plain")
	return cmd
}

// newRenderer returns a Markdown renderer for answers. "plain" prints
// the model's text untouched.
func newRenderer(style string) (func(string) string, error) {
	if style == "plain" {
		return func(s string) string { return s }, nil
	}

	opt := glamour.WithStandardStyle(style)
	if style == "auto" || style == "" {
		opt = glamour.WithAutoStyle()
	}
	r, err := glamour.NewTermRenderer(opt, glamour.WithWordWrap(80))
	if err != nil {
		return nil, fmt.Errorf("create markdown renderer: %w", err)
	}
	return func(s string) string {
		out, err := r.Render(s)
		if err != nil {
			return s
		}
		return strings.TrimSpace(out)
	}, nil
}

// runChat reads questions from in until "exit" or end of input. A
// failed turn is reported and the conversation continues.
func runChat(ctx context.Context, c chatter, sessionID string, in io.Reader, out io.Writer, render func(string) string) error {
	fmt.Fprintln(out, "Chatbot started! Type 'exit' to end the conversation.")

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Fprint(out, promptStyle.Render("You:")+" ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if strings.EqualFold(input, "exit") {
			break
		}

		resp, err := c.Run(ctx, sessionID, input)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Fprintln(out, errorStyle.Render("An error occurred: "+err.Error()))
			continue
		}
		fmt.Fprintf(out, "%s %s\n", botStyle.Render("Game Planer:"), render(resp.Text))
	}

	fmt.Fprintln(out, "Chatbot: Goodbye!")
	return scanner.Err()
}
