package recovery

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"autograder/internal/grading/model"
	"autograder/internal/grading/workspace"
	appErr "autograder/pkg/errors"
)

type scriptReader struct {
	lines   []string
	prompts []string
}

func (r *scriptReader) ReadLine(prompt string) (string, error) {
	r.prompts = append(r.prompts, prompt)
	if len(r.lines) == 0 {
		return "", io.EOF
	}
	line := r.lines[0]
	r.lines = r.lines[1:]
	return line, nil
}

// fakeGrader marks the submission Graded once every required file resolves.
type fakeGrader struct {
	assignment *model.Assignment
	calls      int
	err        error
}

func (g *fakeGrader) Recover(_ context.Context, sub *model.Submission, _ map[string]string) error {
	g.calls++
	if g.err != nil {
		return g.err
	}
	if err := sub.Transition(model.StatusExtracted); err != nil {
		return err
	}
	for i := range g.assignment.Components {
		if missing := workspace.Missing(sub.Root, g.assignment.Components[i].RequiredFiles(), sub.Placements); len(missing) > 0 {
			return sub.MarkBroken("missing required files: " + strings.Join(missing, ", "))
		}
	}
	if err := sub.Transition(model.StatusGrading); err != nil {
		return err
	}
	if err := sub.Transition(model.StatusGraded); err != nil {
		return err
	}
	res := model.NewGradeResult(g.assignment, sub)
	res.Points = big.NewRat(100, 1)
	res.Percent = "100.00"
	sub.Result = res
	return nil
}

func fixture(t *testing.T) (*model.Assignment, *model.Submission) {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "src"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "src", "Adder.C"), []byte("int add;"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	a := &model.Assignment{
		Name:        "adder",
		TotalPoints: big.NewRat(100, 1),
		Components: []model.Component{
			{Name: "code", Weight: big.NewRat(1, 1), Backend: "command", Files: []string{"adder.c"}},
		},
	}
	sub := model.NewSubmission("alice", "alice", root)
	if err := sub.Transition(model.StatusExtracted); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := sub.MarkBroken("missing required files: adder.c"); err != nil {
		t.Fatalf("mark broken: %v", err)
	}
	return a, sub
}

func TestRecoverWithPlacement(t *testing.T) {
	a, sub := fixture(t)
	grader := &fakeGrader{assignment: a}
	reader := &scriptReader{lines: []string{
		"missing",
		"ls src",
		"place adder.c src/Adder.C",
		"show",
		"regrade",
	}}
	var out bytes.Buffer
	s := New(reader, &out, grader, a)

	recovered, err := s.Run(context.Background(), []*model.Submission{sub})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if recovered != 1 || sub.Status != model.StatusGraded {
		t.Fatalf("expected recovered submission, got %d %s", recovered, sub.Status)
	}
	if sub.Placements["adder.c"] != "src/Adder.C" {
		t.Fatalf("unexpected placements %v", sub.Placements)
	}
	text := out.String()
	for _, want := range []string{"adder.c (component code)", "Adder.C", "adder.c -> src/Adder.C", "graded: 100.00%"} {
		if !strings.Contains(text, want) {
			t.Fatalf("output missing %q:\n%s", want, text)
		}
	}
	if reader.prompts[0] != "recover alice> " {
		t.Fatalf("unexpected prompt %q", reader.prompts[0])
	}
}

func TestStillBrokenKeepsPrompting(t *testing.T) {
	a, sub := fixture(t)
	grader := &fakeGrader{assignment: a}
	reader := &scriptReader{lines: []string{"regrade", "skip"}}
	var out bytes.Buffer

	recovered, err := New(reader, &out, grader, a).Run(context.Background(), []*model.Submission{sub})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if recovered != 0 || grader.calls != 1 {
		t.Fatalf("expected one failed regrade, got recovered=%d calls=%d", recovered, grader.calls)
	}
	if sub.Status != model.StatusBroken || !strings.Contains(out.String(), "still broken") {
		t.Fatalf("expected still broken, got %s:\n%s", sub.Status, out.String())
	}
}

func TestPlaceRejectsBadInput(t *testing.T) {
	a, sub := fixture(t)
	secret := filepath.Join(t.TempDir(), "adder.c")
	if err := os.WriteFile(secret, []byte("someone else's"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Symlink(secret, filepath.Join(sub.Root, "src", "link.c")); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	reader := &scriptReader{lines: []string{
		"place adder.c src/link.c",
		"place",
		"place notes.txt src/Adder.C",
		"place adder.c ../../etc/passwd",
		"place adder.c src/nothing.c",
		`place "adder.c`,
		"frobnicate",
		"skip",
	}}
	var out bytes.Buffer
	if _, err := New(reader, &out, &fakeGrader{assignment: a}, a).Run(context.Background(), []*model.Submission{sub}); err != nil {
		t.Fatalf("run: %v", err)
	}
	text := out.String()
	for _, want := range []string{
		"usage: place",
		"notes.txt is not an input",
		"place: ",
		"does not exist",
		"resolves outside",
		"parse command failed",
		`unknown command "frobnicate"`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("output missing %q:\n%s", want, text)
		}
	}
	if len(sub.Placements) != 0 {
		t.Fatalf("rejected placements must not be staged: %v", sub.Placements)
	}
}

func TestQuitAndEOF(t *testing.T) {
	a, sub := fixture(t)
	_, err := New(&scriptReader{lines: []string{"quit"}}, io.Discard, &fakeGrader{assignment: a}, a).
		Run(context.Background(), []*model.Submission{sub})
	if !errors.Is(err, ErrQuit) {
		t.Fatalf("expected ErrQuit, got %v", err)
	}
	_, err = New(&scriptReader{}, io.Discard, &fakeGrader{assignment: a}, a).
		Run(context.Background(), []*model.Submission{sub})
	if !errors.Is(err, ErrQuit) {
		t.Fatalf("expected ErrQuit on EOF, got %v", err)
	}
}

func TestFatalRegradeEndsSession(t *testing.T) {
	a, sub := fixture(t)
	grader := &fakeGrader{assignment: a, err: appErr.New(appErr.BackendInfrastructureError).WithMessage("sandbox gone")}
	_, err := New(&scriptReader{lines: []string{"regrade"}}, io.Discard, grader, a).
		Run(context.Background(), []*model.Submission{sub})
	if !appErr.Is(err, appErr.BackendInfrastructureError) {
		t.Fatalf("expected infrastructure error, got %v", err)
	}
}

func TestValidationErrorIsPrinted(t *testing.T) {
	a, sub := fixture(t)
	grader := &fakeGrader{assignment: a, err: appErr.ValidationError("placement", "bad")}
	var out bytes.Buffer
	_, err := New(&scriptReader{lines: []string{"regrade", "skip"}}, &out, grader, a).
		Run(context.Background(), []*model.Submission{sub})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "regrade: ") {
		t.Fatalf("expected printed validation error:\n%s", out.String())
	}
}

func TestGradedSubmissionsAreSkipped(t *testing.T) {
	a, sub := fixture(t)
	sub.Status = model.StatusGraded
	reader := &scriptReader{}
	recovered, err := New(reader, io.Discard, &fakeGrader{assignment: a}, a).Run(context.Background(), []*model.Submission{sub})
	if err != nil || recovered != 0 || len(reader.prompts) != 0 {
		t.Fatalf("graded submissions must not prompt: %v %d %v", err, recovered, reader.prompts)
	}
}
