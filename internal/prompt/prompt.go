// Package prompt implements the interactive collaborators the session needs:
// a credential prompt and a file selector, both on a terminal.
package prompt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"

	"github.com/wyn/collab/internal/domain"
)

var (
	// ErrCancelled is returned when the user abandons the credential prompt.
	ErrCancelled = errors.New("prompt cancelled")

	// ErrNone is returned when no file was selected.
	ErrNone = errors.New("no file selected")
)

// Terminal prompts on a line-oriented terminal. When the input is a real
// terminal the credential is read without echo.
type Terminal struct {
	in           *bufio.Reader
	out          io.Writer
	readPassword func() ([]byte, error)
}

// NewTerminal creates a prompt reading from in and writing to out.
func NewTerminal(in io.Reader, out io.Writer) *Terminal {
	t := &Terminal{in: bufio.NewReader(in), out: out}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fd := int(f.Fd())
		t.readPassword = func() ([]byte, error) {
			b, err := term.ReadPassword(fd)
			fmt.Fprintln(t.out)
			return b, err
		}
	}
	return t
}

// PromptCredentials asks for host, port, identity and credential. Empty
// answers keep the defaults; end of input cancels.
func (t *Terminal) PromptCredentials(ctx context.Context, defaults domain.Descriptor) (domain.Descriptor, error) {
	d := defaults

	host, err := t.ask(ctx, "Host", defaults.Host)
	if err != nil {
		return domain.Descriptor{}, err
	}
	d.Host = host

	port, err := t.ask(ctx, "Port", strconv.Itoa(defaults.Port))
	if err != nil {
		return domain.Descriptor{}, err
	}
	d.Port, err = strconv.Atoi(port)
	if err != nil {
		return domain.Descriptor{}, fmt.Errorf("invalid port %q", port)
	}

	identity, err := t.ask(ctx, "Jid", defaults.Identity)
	if err != nil {
		return domain.Descriptor{}, err
	}
	d.Identity = identity

	credential, err := t.secret(ctx, "Password")
	if err != nil {
		return domain.Descriptor{}, err
	}
	d.Credential = credential

	if err := d.Validate(); err != nil {
		return domain.Descriptor{}, err
	}
	return d, nil
}

// SelectFile asks for the path of an existing file. An empty answer or end
// of input returns ErrNone.
func (t *Terminal) SelectFile(ctx context.Context, label string) (string, error) {
	path, err := t.ask(ctx, label, "")
	if errors.Is(err, ErrCancelled) || (err == nil && path == "") {
		return "", ErrNone
	}
	if err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("select %s: %w", label, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("select %s: %s is a directory", label, path)
	}
	return path, nil
}

func (t *Terminal) ask(ctx context.Context, label, def string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if def != "" {
		fmt.Fprintf(t.out, "%s [%s]: ", label, def)
	} else {
		fmt.Fprintf(t.out, "%s: ", label)
	}

	line, err := t.readLine()
	if err != nil {
		return "", err
	}
	if line == "" {
		return def, nil
	}
	return line, nil
}

func (t *Terminal) secret(ctx context.Context, label string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	fmt.Fprintf(t.out, "%s: ", label)
	if t.readPassword == nil {
		return t.readLine()
	}
	b, err := t.readPassword()
	if err != nil {
		return "", ErrCancelled
	}
	return string(b), nil
}

func (t *Terminal) readLine() (string, error) {
	line, err := t.in.ReadString('\n')
	if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
		if errors.Is(err, io.EOF) {
			return "", ErrCancelled
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}
