package rpcgate

import (
	"strings"

	"github.com/chzyer/readline"
)

// CodePrompter supplies operator input for the interactive login flow. It
// blocks until the operator answers, which is acceptable: the flow runs at
// most once per cold start and only stalls the affected monitor.
type CodePrompter interface {
	// ReadCode asks the operator for the one-time login code.
	ReadCode(prompt string) (string, error)
	// ReadPassword asks for the second-factor password.
	ReadPassword(prompt string) (string, error)
}

// terminalPrompter reads from the controlling terminal via readline.
type terminalPrompter struct{}

func NewTerminalPrompter() CodePrompter { return terminalPrompter{} }

func (terminalPrompter) ReadCode(prompt string) (string, error) {
	rl, err := readline.New(prompt)
	if err != nil {
		return "", err
	}
	defer rl.Close()
	line, err := rl.Readline()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (terminalPrompter) ReadPassword(prompt string) (string, error) {
	rl, err := readline.New(prompt)
	if err != nil {
		return "", err
	}
	defer rl.Close()
	pw, err := rl.ReadPassword(prompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(pw)), nil
}
