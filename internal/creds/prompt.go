package creds

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// TerminalPrompter reads credentials interactively. The password read is
// no-echo when stdin is a real terminal.
type TerminalPrompter struct {
	In  io.Reader
	Out io.Writer
}

// NewTerminalPrompter prompts on the process terminal.
func NewTerminalPrompter() *TerminalPrompter {
	return &TerminalPrompter{In: os.Stdin, Out: os.Stderr}
}

// Prompt implements Prompter.
func (p *TerminalPrompter) Prompt(ctx context.Context, label string) (Credentials, error) {
	type outcome struct {
		c   Credentials
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		c, err := p.read(label)
		done <- outcome{c, err}
	}()

	select {
	case <-ctx.Done():
		return Credentials{}, ctx.Err()
	case o := <-done:
		return o.c, o.err
	}
}

func (p *TerminalPrompter) read(label string) (Credentials, error) {
	reader := bufio.NewReader(p.In)

	fmt.Fprintf(p.Out, "Username for %s: ", label)
	username, err := reader.ReadString('\n')
	if err != nil {
		return Credentials{}, fmt.Errorf("read username: %w", err)
	}
	username = strings.TrimSpace(username)

	fmt.Fprintf(p.Out, "Password for %s: ", label)
	var password string
	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		raw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(p.Out)
		if err != nil {
			return Credentials{}, fmt.Errorf("read password: %w", err)
		}
		password = string(raw)
	} else {
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return Credentials{}, fmt.Errorf("read password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}

	return Credentials{Username: username, Password: password}, nil
}
