package system

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// maxAttempts bounds how often an invalid answer is re-asked.
const maxAttempts = 3

// TerminalPrompter asks questions on a line-oriented terminal.
type TerminalPrompter struct {
	in  *bufio.Reader
	out io.Writer
}

// NewTerminalPrompter reads answers from in and writes questions to out.
func NewTerminalPrompter(in io.Reader, out io.Writer) *TerminalPrompter {
	return &TerminalPrompter{in: bufio.NewReader(in), out: out}
}

// NewStdioPrompter prompts on the process's stdin and stderr.
func NewStdioPrompter() *TerminalPrompter {
	return NewTerminalPrompter(os.Stdin, os.Stderr)
}

func (p *TerminalPrompter) readLine() (string, error) {
	line, err := p.in.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return strings.TrimSpace(line), nil
		}
		if err == io.EOF {
			return "", fmt.Errorf("no answer: input closed")
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// PromptYesNo asks a yes/no question; an empty answer picks def.
func (p *TerminalPrompter) PromptYesNo(question string, def bool) (bool, error) {
	hint := "[y/N]"
	if def {
		hint = "[Y/n]"
	}
	for i := 0; i < maxAttempts; i++ {
		fmt.Fprintf(p.out, "%s %s: ", question, hint)
		answer, err := p.readLine()
		if err != nil {
			return false, err
		}
		if v, ok := parseYesNo(answer, def); ok {
			return v, nil
		}
		fmt.Fprintln(p.out, "Please answer y or n.")
	}
	return false, fmt.Errorf("no valid answer to %q", question)
}

// PromptChoice asks the operator to pick one of options.
func (p *TerminalPrompter) PromptChoice(question string, options []string, def string) (string, error) {
	for i := 0; i < maxAttempts; i++ {
		fmt.Fprintf(p.out, "%s (%s) [%s]: ", question, strings.Join(options, "/"), def)
		answer, err := p.readLine()
		if err != nil {
			return "", err
		}
		if answer == "" {
			return def, nil
		}
		for _, o := range options {
			if strings.EqualFold(o, answer) {
				return o, nil
			}
		}
		fmt.Fprintf(p.out, "Choose one of: %s\n", strings.Join(options, ", "))
	}
	return "", fmt.Errorf("no valid answer to %q", question)
}

// PromptText asks for free text; an empty answer picks def.
func (p *TerminalPrompter) PromptText(question string, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", question, def)
	} else {
		fmt.Fprintf(p.out, "%s: ", question)
	}
	answer, err := p.readLine()
	if err != nil {
		return "", err
	}
	if answer == "" {
		return def, nil
	}
	return answer, nil
}

func parseYesNo(answer string, def bool) (bool, bool) {
	switch strings.ToLower(answer) {
	case "":
		return def, true
	case "y", "yes", "true":
		return true, true
	case "n", "no", "false":
		return false, true
	}
	return false, false
}

// AnswersFile pre-answers prompts for unattended runs.
//
//	answers:
//	  php: php8.4
//	  fail2ban: false
//	  "Include optional?": true
type AnswersFile struct {
	Answers map[string]interface{} `yaml:"answers"`
}

// AnswersPrompter answers from an AnswersFile. Questions it has no answer
// for get their default.
type AnswersPrompter struct {
	answers map[string]interface{}
}

// LoadAnswers reads an answers file.
func LoadAnswers(path string) (*AnswersPrompter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read answers file: %w", err)
	}
	return ParseAnswers(data)
}

// ParseAnswers decodes answers YAML.
func ParseAnswers(data []byte) (*AnswersPrompter, error) {
	var f AnswersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse answers file: %w", err)
	}
	answers := make(map[string]interface{}, len(f.Answers))
	for k, v := range f.Answers {
		answers[answerKey(k)] = v
	}
	return &AnswersPrompter{answers: answers}, nil
}

// answerKey reduces "Install fail2ban?" and "fail2ban" to the same key.
func answerKey(question string) string {
	k := strings.ToLower(strings.TrimSpace(question))
	k = strings.TrimSuffix(k, "?")
	for _, prefix := range []string{"install ", "include ", "select "} {
		if strings.HasPrefix(k, prefix) {
			return strings.TrimPrefix(k, prefix)
		}
	}
	return k
}

func (p *AnswersPrompter) lookup(question string) (interface{}, bool) {
	v, ok := p.answers[answerKey(question)]
	if !ok {
		log.Debug().Str("question", question).Msg("No answer provided, using default")
	}
	return v, ok
}

// PromptYesNo answers from the file or returns def.
func (p *AnswersPrompter) PromptYesNo(question string, def bool) (bool, error) {
	v, ok := p.lookup(question)
	if !ok {
		return def, nil
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		if parsed, ok := parseYesNo(b, def); ok {
			return parsed, nil
		}
	}
	return false, fmt.Errorf("answer for %q must be yes or no, got %v", question, v)
}

// PromptChoice answers from the file or returns def.
func (p *AnswersPrompter) PromptChoice(question string, options []string, def string) (string, error) {
	v, ok := p.lookup(question)
	if !ok {
		return def, nil
	}
	answer := fmt.Sprint(v)
	for _, o := range options {
		if strings.EqualFold(o, answer) {
			return o, nil
		}
	}
	return "", fmt.Errorf("answer %q for %q is not one of %s", answer, question, strings.Join(options, ", "))
}

// PromptText answers from the file or returns def.
func (p *AnswersPrompter) PromptText(question string, def string) (string, error) {
	v, ok := p.lookup(question)
	if !ok {
		return def, nil
	}
	return fmt.Sprint(v), nil
}
