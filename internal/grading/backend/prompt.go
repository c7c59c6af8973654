package backend

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"autograder/internal/grading/options"
	appErr "autograder/pkg/errors"
)

const (
	answerBool = "bool"
	answerInt  = "int"
)

type promptPart struct {
	Text        string `yaml:"text"`
	AnswerType  string `yaml:"answer-type"`
	AnswerRange []int  `yaml:"answer-range"`
}

// Prompt grades Parts by asking the operator. A bool answer scores 0 or 1,
// an int answer in [lo, hi] scores (answer-lo)/(hi-lo).
type Prompt struct{}

// NewPrompt builds the prompt backend. It takes no options.
func NewPrompt(_ *Registry, opts map[string]interface{}) (Backend, error) {
	var cfg struct{}
	if err := options.Decode(opts, &cfg); err != nil {
		return nil, optionsError(KindPrompt, err)
	}
	return &Prompt{}, nil
}

// Interactive is always true: every Part waits on the operator.
func (p *Prompt) Interactive() bool { return true }

// Grade asks one question per Part, repeating it until the answer parses.
func (p *Prompt) Grade(ctx context.Context, req Request) (Report, error) {
	questions := make([]promptPart, len(req.Parts))
	for i, part := range req.Parts {
		q, err := parsePromptPart(part.Meta)
		if err != nil {
			return Report{}, configErrorf(req.Component, "part %s: %v", part.ID, err)
		}
		questions[i] = q
	}
	if req.Prompter == nil {
		return Report{}, appErr.Newf(appErr.BackendInfrastructureError, "component %s needs an operator but no terminal is attached", req.Component).
			WithDetail("component", req.Component)
	}

	report := Report{Parts: make([]PartOutcome, 0, len(req.Parts))}
	var log strings.Builder
	for i, q := range questions {
		score, answer, err := p.ask(ctx, req.Prompter, q)
		if err != nil {
			return Report{}, appErr.Wrapf(err, appErr.BackendInfrastructureError, "component %s: read operator answer", req.Component)
		}
		fmt.Fprintf(&log, "%s: %s\n", q.Text, answer)
		report.Parts = append(report.Parts, PartOutcome{PartID: req.Parts[i].ID, Score: score})
	}
	report.Log = log.String()
	return report, nil
}

func (p *Prompt) ask(ctx context.Context, prompter Prompter, q promptPart) (*big.Rat, string, error) {
	var question string
	switch q.AnswerType {
	case answerInt:
		question = fmt.Sprintf("%s [%d-%d]", q.Text, q.AnswerRange[0], q.AnswerRange[1])
	default:
		question = q.Text + " [y/n]"
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		answer, err := prompter.Ask(ctx, question)
		if err != nil {
			return nil, "", err
		}
		answer = strings.TrimSpace(answer)
		if score, ok := scoreAnswer(q, answer); ok {
			return score, answer, nil
		}
	}
}

func scoreAnswer(q promptPart, answer string) (*big.Rat, bool) {
	if q.AnswerType == answerInt {
		n, err := strconv.Atoi(answer)
		lo, hi := q.AnswerRange[0], q.AnswerRange[1]
		if err != nil || n < lo || n > hi {
			return nil, false
		}
		return big.NewRat(int64(n-lo), int64(hi-lo)), true
	}
	switch strings.ToLower(answer) {
	case "y", "yes", "true", "1":
		return big.NewRat(1, 1), true
	case "n", "no", "false", "0":
		return new(big.Rat), true
	}
	return nil, false
}

func parsePromptPart(meta map[string]interface{}) (promptPart, error) {
	var q promptPart
	if err := options.Decode(meta, &q); err != nil {
		return q, err
	}
	if strings.TrimSpace(q.Text) == "" {
		return q, fmt.Errorf("text is required")
	}
	if q.AnswerType == "" {
		q.AnswerType = answerBool
	}
	switch q.AnswerType {
	case answerBool:
		if len(q.AnswerRange) > 0 {
			return q, fmt.Errorf("answer-range only applies to int prompts")
		}
	case answerInt:
		if len(q.AnswerRange) != 2 {
			return q, fmt.Errorf("answer-range must be [start, end] for int prompts")
		}
		if q.AnswerRange[0] >= q.AnswerRange[1] {
			return q, fmt.Errorf("answer-range start must be below its end")
		}
	default:
		return q, fmt.Errorf("invalid answer-type %q, only bool and int are supported", q.AnswerType)
	}
	return q, nil
}
