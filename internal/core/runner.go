package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Command is a single child process invocation.
type Command struct {
	Step string
	Argv []string
	Env  Env
	Dir  string
}

func (c Command) String() string { return strings.Join(c.Argv, " ") }

// Runner executes a Command synchronously.
type Runner interface {
	Run(ctx context.Context, c Command) error
}

// ExecRunner runs commands as local child processes. The child sees exactly
// Command.Env; nothing from the parent environment leaks through.
type ExecRunner struct {
	// Stdout and Stderr, when set, receive a copy of the child's output.
	Stdout io.Writer
	Stderr io.Writer
}

func (r ExecRunner) Run(ctx context.Context, c Command) error {
	if len(c.Argv) == 0 {
		return errors.New("empty command")
	}
	if c.Dir == "" {
		return fmt.Errorf("%s: working directory required", c.Argv[0])
	}
	if st, err := os.Stat(c.Dir); err != nil {
		return fmt.Errorf("working directory: %w", err)
	} else if !st.IsDir() {
		return fmt.Errorf("working directory %s is not a directory", c.Dir)
	}
	pathList, _ := c.Env.Get("PATH")
	bin, err := lookPath(c.Argv[0], pathList)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, bin, c.Argv[1:]...)
	cmd.Env = c.Env.Environ()
	cmd.Dir = c.Dir
	stdout := newLineLogger(c.Step, zerolog.InfoLevel, r.Stdout)
	stderr := newLineLogger(c.Step, zerolog.WarnLevel, r.Stderr)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	log.Info().Str("step", c.Step).Str("dir", c.Dir).Strs("env", c.Env.Names()).Msgf("exec %s", c)
	start := time.Now()
	err = cmd.Run()
	stdout.Flush()
	stderr.Flush()
	if err != nil {
		return fmt.Errorf("%s: %w", c.Argv[0], err)
	}
	log.Debug().Str("step", c.Step).Dur("duration", time.Since(start)).Msg("child exited cleanly")
	return nil
}

// lookPath resolves name against the pinned PATH rather than the parent's.
func lookPath(name, pathList string) (string, error) {
	if strings.Contains(name, "/") {
		return name, nil
	}
	for _, dir := range filepath.SplitList(pathList) {
		if dir == "" {
			continue
		}
		p := filepath.Join(dir, name)
		if st, err := os.Stat(p); err == nil && !st.IsDir() && st.Mode()&0o111 != 0 {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrExecutableNotFound, name)
}

// lineLogger forwards child output to the logger one line at a time.
type lineLogger struct {
	step  string
	level zerolog.Level
	tee   io.Writer
	buf   []byte
}

func newLineLogger(step string, level zerolog.Level, tee io.Writer) *lineLogger {
	return &lineLogger{step: step, level: level, tee: tee}
}

func (l *lineLogger) Write(p []byte) (int, error) {
	if l.tee != nil {
		if _, err := l.tee.Write(p); err != nil {
			return 0, err
		}
	}
	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		l.emit(l.buf[:i])
		l.buf = l.buf[i+1:]
	}
	return len(p), nil
}

func (l *lineLogger) Flush() {
	if len(l.buf) > 0 {
		l.emit(l.buf)
		l.buf = nil
	}
}

func (l *lineLogger) emit(line []byte) {
	s := strings.TrimRight(string(line), "\r")
	if s == "" {
		return
	}
	log.WithLevel(l.level).Str("step", l.step).Msg(s)
}
