package executor

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// maxCapture caps how much of each stream is kept in a Result
const maxCapture = 1 << 20

// NewShell creates a new Shell based executor with default
// values set for optional fields in the configuration
func NewShell() *Shell {
	return &Shell{}
}

// Shell runs command strings in the user's shell so that pipes,
// redirects and chained operators work as written.
//
// Defaults:
// - The shell is $SHELL, falling back to sh (cmd on Windows)
// - Commands have no timeout
type Shell struct {
	Shell   string        `yaml:"shell"`
	Timeout time.Duration `yaml:"timeout"`
}

// Result is the captured outcome of a single command
type Result struct {
	Command  string
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// getShell determines the shell to use for execution of the specified
// command. This is determined either by user configuration or environment variables.
func (shell *Shell) getShell() (string, string) {
	if runtime.GOOS == "windows" {
		if shell.Shell != "" {
			return shell.Shell, "/C"
		}
		return "cmd", "/C"
	}

	if shell.Shell != "" {
		return shell.Shell, "-c"
	}

	s, exists := os.LookupEnv("SHELL")
	if !exists || s == "" {
		return "sh", "-c"
	}
	return s, "-c"
}

// Run executes command and waits for it to exit.
// ctx is used to propagate any cancellation instructions of the command from the caller
func (shell *Shell) Run(ctx context.Context, command string) (Result, error) {
	res := Result{Command: command, ExitCode: -1}

	if strings.TrimSpace(command) == "" {
		return res, ErrEmptyCommand
	}

	if shell.Timeout > 0 {
		var done context.CancelFunc
		ctx, done = context.WithTimeout(ctx, shell.Timeout)
		defer done()
	}

	sh, flag := shell.getShell()

	// Output goes to files rather than pipes. A program the command
	// backgrounds (e.g. "obs &") inherits them and must be able to keep
	// writing after the shell exits.
	stdout, err := newCapture("stdout")
	if err != nil {
		return res, err
	}
	defer stdout.discard()

	stderr, err := newCapture("stderr")
	if err != nil {
		return res, err
	}
	defer stderr.discard()

	cmd := exec.CommandContext(ctx, sh, flag, command)
	cmd.Stdout = stdout.file
	cmd.Stderr = stderr.file

	started := time.Now()
	err = cmd.Run()
	res.Duration = time.Since(started)
	res.Stdout = stdout.read()
	res.Stderr = stderr.read()

	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if err == nil {
		return res, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return res, ErrTimeoutExceeded
		}
		return res, ctxErr
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return res, &ExitError{Command: command, Code: exitErr.ExitCode()}
	}

	return res, err
}

// capture is a temporary file collecting one output stream of a command
type capture struct {
	file *os.File
}

func newCapture(stream string) (*capture, error) {
	file, err := os.CreateTemp("", "gamemon-"+stream+"-*")
	if err != nil {
		return nil, err
	}
	return &capture{file: file}, nil
}

// read returns what the shell wrote up to the moment it exited
func (c *capture) read() string {
	b, err := io.ReadAll(io.NewSectionReader(c.file, 0, maxCapture))
	if err != nil {
		return ""
	}
	return string(b)
}

// discard closes and removes the file. Background children keep their
// own descriptor and can go on writing to it.
func (c *capture) discard() {
	c.file.Close()
	os.Remove(c.file.Name())
}
