package recovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
)

// Terminal reads operator input with line editing and history. It serves
// both the recovery session and interactive grading backends.
type Terminal struct {
	rl *readline.Instance
}

// NewTerminal opens the terminal. historyFile may be empty.
func NewTerminal(historyFile string) (*Terminal, error) {
	completer := readline.NewPrefixCompleter(
		readline.PcItem("help"),
		readline.PcItem("ls"),
		readline.PcItem("missing"),
		readline.PcItem("place"),
		readline.PcItem("mv"),
		readline.PcItem("unplace"),
		readline.PcItem("show"),
		readline.PcItem("regrade"),
		readline.PcItem("skip"),
		readline.PcItem("quit"),
	)
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		HistoryFile:     historyFile,
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return nil, fmt.Errorf("open terminal: %w", err)
	}
	return &Terminal{rl: rl}, nil
}

// ReadLine implements LineReader. Ctrl-C and Ctrl-D both end input.
func (t *Terminal) ReadLine(prompt string) (string, error) {
	t.rl.SetPrompt(prompt)
	line, err := t.rl.Readline()
	if errors.Is(err, readline.ErrInterrupt) {
		return "", io.EOF
	}
	return line, err
}

// Ask implements the prompt backend's Prompter.
func (t *Terminal) Ask(ctx context.Context, question string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	fmt.Fprintln(t.rl.Stdout(), question)
	line, err := t.ReadLine("answer> ")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// Stdout returns a writer that does not garble the prompt line.
func (t *Terminal) Stdout() io.Writer { return t.rl.Stdout() }

// Close restores the terminal.
func (t *Terminal) Close() error { return t.rl.Close() }
