// Package recovery walks an operator through Broken submissions. Fixes are
// recorded as placements; the submission directory is never modified.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"

	"autograder/internal/grading/model"
	"autograder/internal/grading/workspace"
	appErr "autograder/pkg/errors"

	"github.com/google/shlex"
)

const maxListEntries = 200

// ErrQuit is returned by Run when the operator ends the session early.
var ErrQuit = errors.New("recovery session ended by operator")

// LineReader reads one operator line. io.EOF ends the session.
type LineReader interface {
	ReadLine(prompt string) (string, error)
}

// Regrader grades one submission again with the given placements.
type Regrader interface {
	Recover(ctx context.Context, sub *model.Submission, placements map[string]string) error
}

// Outcome is how the operator left one submission.
type Outcome int

const (
	Skipped Outcome = iota
	Recovered
	Quit
)

// Session holds REPL state.
type Session struct {
	reader     LineReader
	out        io.Writer
	grader     Regrader
	assignment *model.Assignment
}

// New creates a recovery session.
func New(reader LineReader, out io.Writer, grader Regrader, assignment *model.Assignment) *Session {
	return &Session{reader: reader, out: out, grader: grader, assignment: assignment}
}

// Run offers every Broken submission in subs for recovery and returns how
// many ended up Graded.
func (s *Session) Run(ctx context.Context, subs []*model.Submission) (int, error) {
	recovered := 0
	for _, sub := range subs {
		if sub.Status != model.StatusBroken {
			continue
		}
		outcome, err := s.RecoverOne(ctx, sub)
		if err != nil {
			return recovered, err
		}
		switch outcome {
		case Recovered:
			recovered++
		case Quit:
			return recovered, ErrQuit
		}
	}
	return recovered, nil
}

// RecoverOne runs the command loop for a single submission.
func (s *Session) RecoverOne(ctx context.Context, sub *model.Submission) (Outcome, error) {
	staged := clone(sub.Placements)
	s.printLine("")
	s.printLine("submission %s is broken: %s", sub.ID, sub.Cause)
	s.printLine("type 'help' for commands")

	prompt := fmt.Sprintf("recover %s> ", sub.ID)
	for {
		if err := ctx.Err(); err != nil {
			return Skipped, err
		}
		line, err := s.reader.ReadLine(prompt)
		if errors.Is(err, io.EOF) {
			return Quit, nil
		}
		if err != nil {
			return Skipped, fmt.Errorf("read input failed: %w", err)
		}
		tokens, err := shlex.Split(strings.TrimSpace(line))
		if err != nil {
			s.printLine("parse command failed: %v", err)
			continue
		}
		if len(tokens) == 0 {
			continue
		}

		switch cmd, args := tokens[0], tokens[1:]; cmd {
		case "help", "?":
			s.printHelp()
		case "ls":
			s.list(sub, args)
		case "missing":
			s.missing(sub, staged)
		case "place", "mv":
			s.place(sub, staged, args)
		case "unplace":
			if len(args) != 1 {
				s.printLine("usage: unplace <expected>")
				continue
			}
			delete(staged, args[0])
			s.printLine("removed placement for %s", args[0])
		case "show":
			s.show(sub, staged)
		case "regrade":
			done, err := s.regrade(ctx, sub, staged)
			if err != nil {
				return Skipped, err
			}
			if done {
				return Recovered, nil
			}
		case "skip":
			s.printLine("skipping %s", sub.ID)
			return Skipped, nil
		case "quit", "exit":
			return Quit, nil
		default:
			s.printLine("unknown command %q, type 'help'", cmd)
		}
	}
}

func (s *Session) printHelp() {
	s.printLine("commands:")
	s.printLine("  ls [dir]                     list files in the submission")
	s.printLine("  missing                      list required files still missing")
	s.printLine("  place <expected> <actual>    use <actual> as <expected> (alias: mv)")
	s.printLine("  unplace <expected>           drop a placement")
	s.printLine("  show                         show the cause and staged placements")
	s.printLine("  regrade                      grade again with the staged placements")
	s.printLine("  skip                         leave this submission broken")
	s.printLine("  quit                         stop recovering")
}

func (s *Session) list(sub *model.Submission, args []string) {
	root := sub.Root
	if len(args) > 0 {
		dir, err := workspace.Resolve(sub.Root, args[0])
		if err != nil {
			s.printLine("ls: %v", err)
			return
		}
		root = dir
	}
	files, err := workspace.Tree(root, maxListEntries)
	if err != nil {
		s.printLine("ls: %v", err)
		return
	}
	if len(files) == 0 {
		s.printLine("(no files)")
		return
	}
	for _, f := range files {
		s.printLine("  %s", f)
	}
	if len(files) == maxListEntries {
		s.printLine("  ... (listing truncated)")
	}
}

func (s *Session) missing(sub *model.Submission, staged map[string]string) {
	var missing []string
	for i := range s.assignment.Components {
		comp := &s.assignment.Components[i]
		for _, pattern := range workspace.Missing(sub.Root, comp.RequiredFiles(), staged) {
			missing = append(missing, fmt.Sprintf("%s (component %s)", pattern, comp.Name))
		}
	}
	if len(missing) == 0 {
		s.printLine("no required files are missing")
		return
	}
	for _, m := range missing {
		s.printLine("  %s", m)
	}
}

func (s *Session) place(sub *model.Submission, staged map[string]string, args []string) {
	if len(args) != 2 {
		s.printLine("usage: place <expected> <actual>")
		return
	}
	expected, actual := args[0], path.Clean(args[1])
	if !s.expects(expected) {
		s.printLine("%s is not an input of any component", expected)
		return
	}
	if _, err := workspace.Resolve(sub.Root, actual); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.printLine("place: %s does not exist in the submission", actual)
		} else {
			s.printLine("place: %v", err)
		}
		return
	}
	staged[expected] = actual
	s.printLine("%s -> %s", expected, actual)
}

func (s *Session) expects(name string) bool {
	for i := range s.assignment.Components {
		comp := &s.assignment.Components[i]
		for _, p := range comp.Files {
			if p == name {
				return true
			}
		}
		for _, p := range comp.OptionalFiles {
			if p == name {
				return true
			}
		}
	}
	return false
}

func (s *Session) show(sub *model.Submission, staged map[string]string) {
	s.printLine("submission: %s (%s)", sub.ID, sub.Root)
	s.printLine("status:     %s", sub.Status)
	if sub.Cause != "" {
		s.printLine("cause:      %s", sub.Cause)
	}
	if len(staged) == 0 {
		s.printLine("placements: none")
		return
	}
	s.printLine("placements:")
	keys := make([]string, 0, len(staged))
	for k := range staged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s.printLine("  %s -> %s", k, staged[k])
	}
}

// regrade reports whether the submission is now Graded. Errors that stop the
// whole run are returned; anything else is printed.
func (s *Session) regrade(ctx context.Context, sub *model.Submission, staged map[string]string) (bool, error) {
	sub.Placements = clone(staged)
	if len(sub.Placements) == 0 {
		sub.Placements = nil
	}
	if err := s.grader.Recover(ctx, sub, nil); err != nil {
		if appErr.Is(err, appErr.ValidationFailed) || appErr.Is(err, appErr.InvalidTransition) {
			s.printLine("regrade: %v", err)
			return false, nil
		}
		return false, err
	}
	if sub.Status != model.StatusGraded {
		s.printLine("still broken: %s", sub.Cause)
		return false, nil
	}
	if sub.Result != nil {
		s.printLine("graded: %s%% (%s/%s points)", sub.Result.Percent,
			sub.Result.Points.FloatString(2), sub.Result.MaxPoints.FloatString(2))
	} else {
		s.printLine("graded")
	}
	return true, nil
}

func (s *Session) printLine(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(s.out, format+"\n", args...)
}

func clone(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
