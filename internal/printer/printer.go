package printer

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/dyluth/cipher/pkg/cipher"
)

func init() {
	// Users can disable color with NO_COLOR
	if os.Getenv("NO_COLOR") == "" {
		color.NoColor = false
	}
}

// Out and ErrOut are where messages are written. Tests replace them.
var (
	Out    io.Writer = os.Stdout
	ErrOut io.Writer = os.Stderr
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
	faint  = color.New(color.Faint)
)

// Success prints a success message in green with a checkmark prefix
func Success(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "✓") {
		msg = "✓ " + msg
	}
	green.Fprint(Out, msg)
}

// Info prints an informational message in the default color
func Info(format string, a ...any) {
	fmt.Fprintf(Out, format, a...)
}

// Warning prints a warning message in yellow with a warning prefix
func Warning(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "⚠️") {
		msg = "⚠️  " + msg
	}
	yellow.Fprint(Out, msg)
}

// Step prints a step message with emphasis
func Step(format string, a ...any) {
	cyan.Fprintf(Out, "→ %s", fmt.Sprintf(format, a...))
}

// Error prints a formatted error with title, explanation and suggestions to
// ErrOut and returns a simple error carrying the title for Cobra.
func Error(title string, explanation string, suggestions []string) error {
	return ErrorWithContext(title, explanation, nil, suggestions)
}

// ErrorWithContext is Error with key/value details, printed in key order.
func ErrorWithContext(title string, explanation string, context map[string]string, suggestions []string) error {
	red.Fprintf(ErrOut, "%s\n\n", title)

	if explanation != "" {
		fmt.Fprintf(ErrOut, "%s\n", explanation)
	}

	if len(context) > 0 {
		keys := make([]string, 0, len(context))
		for k := range context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		fmt.Fprintln(ErrOut)
		for _, k := range keys {
			fmt.Fprintf(ErrOut, "  %s: %s\n", k, context[k])
		}
	}

	switch len(suggestions) {
	case 0:
	case 1:
		fmt.Fprintf(ErrOut, "\n%s\n", suggestions[0])
	default:
		fmt.Fprintf(ErrOut, "\nEither:\n")
		for i, suggestion := range suggestions {
			fmt.Fprintf(ErrOut, "  %d. %s\n", i+1, suggestion)
		}
	}

	// Not printed again by Cobra (SilenceErrors)
	return fmt.Errorf("%s", title)
}

// Phase renders a lifecycle phase with its color.
func Phase(p cipher.Phase) string {
	switch p {
	case cipher.PhaseActive:
		return green.Sprint(string(p))
	case cipher.PhaseLocked:
		return yellow.Sprint(string(p))
	case cipher.PhaseExpired:
		return faint.Sprint(string(p))
	default:
		return string(p)
	}
}

// Countdown formats a remaining duration as 1h02m03s, or "0s" once elapsed.
func Countdown(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	d = d.Round(time.Second)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%02ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
