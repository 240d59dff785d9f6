// Package prompt asks line-oriented questions on a terminal.
package prompt

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Prompter reads answers from in and writes questions to out. With AssumeYes
// set every confirmation is accepted without reading input.
type Prompter struct {
	in        *bufio.Reader
	out       io.Writer
	AssumeYes bool
}

// New returns a prompter over in and out.
func New(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{in: bufio.NewReader(in), out: out}
}

// readLine returns the next trimmed line. End of input yields an empty answer
// so callers fall back to their defaults.
func (p *Prompter) readLine() (string, error) {
	line, err := p.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read response: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// Confirm asks a yes/no question. An empty answer returns def.
func (p *Prompter) Confirm(question string, def bool) (bool, error) {
	hint := "[y/N]"
	if def {
		hint = "[Y/n]"
	}
	if p.AssumeYes {
		fmt.Fprintf(p.out, "%s %s y\n", question, hint)
		return true, nil
	}
	fmt.Fprintf(p.out, "%s %s ", question, hint)

	answer, err := p.readLine()
	if err != nil {
		return false, err
	}
	switch strings.ToLower(answer) {
	case "":
		return def, nil
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

// Text asks for a free-form value. An empty answer returns def.
func (p *Prompter) Text(question, def string) (string, error) {
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

// Choose prints numbered options and returns the raw answer for the caller
// to interpret.
func (p *Prompter) Choose(title string, options []string) (string, error) {
	fmt.Fprintln(p.out, title)
	for i, opt := range options {
		fmt.Fprintf(p.out, "  %d) %s\n", i+1, opt)
	}
	fmt.Fprint(p.out, "Enter choice: ")
	return p.readLine()
}
