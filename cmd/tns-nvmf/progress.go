package main

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// printStepf prints a formatted step-style line.
func printStepf(c *color.Color, icon, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	_, _ = fmt.Fprintf(stdout, "%s %s\n", c.Sprint(icon), msg)
}

// printResult prints an OK or failure step for one operation.
func printResult(err error, format string, args ...interface{}) {
	if err != nil {
		printStepf(colorError, iconError, format+": %v", append(args, err)...)
		return
	}
	printStepf(colorSuccess, iconOK, format, args...)
}

// spinnerFrames are drawn in turn while an operation runs.
var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// spinner animates on stderr until stop is called. Without a terminal it
// draws nothing.
type spinner struct {
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func newSpinner(msg string) *spinner {
	s := &spinner{done: make(chan struct{}), stopped: make(chan struct{})}
	if !isTerminal() {
		close(s.stopped)
		return s
	}

	go func() {
		defer close(s.stopped)
		ticker := time.NewTicker(80 * time.Millisecond)
		defer ticker.Stop()
		for i := 0; ; i++ {
			select {
			case <-s.done:
				_, _ = fmt.Fprint(os.Stderr, "\r\033[K")
				return
			case <-ticker.C:
				frame := spinnerFrames[i%len(spinnerFrames)]
				_, _ = fmt.Fprintf(os.Stderr, "\r%s %s", colorMuted.Sprint(frame), msg)
			}
		}
	}()
	return s
}

// stop ends the animation and waits until the line is cleared, so output
// printed afterwards is not overdrawn.
func (s *spinner) stop() {
	s.once.Do(func() { close(s.done) })
	<-s.stopped
}

// spin runs fn behind a spinner showing msg.
func spin[T any](msg string, fn func() (T, error)) (T, error) {
	sp := newSpinner(msg)
	defer sp.stop()
	return fn()
}

// isTerminal checks if stderr is a terminal (for spinner rendering).
func isTerminal() bool {
	fd := os.Stderr.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
