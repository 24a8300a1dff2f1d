package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"gopkg.in/yaml.v3"

	"github.com/fenio/tns-nvmf/pkg/nvme"
)

// Output format constants.
const (
	outputFormatJSON  = "json"
	outputFormatYAML  = "yaml"
	outputFormatTable = "table"
)

// Status icons.
const (
	iconOK      = "✓"
	iconError   = "✗"
	iconWarning = "!"
)

// Color variables for consistent styling across all commands.
var (
	colorHeader  = color.New(color.FgWhite, color.Bold)
	colorSuccess = color.New(color.FgGreen)
	colorError   = color.New(color.FgRed)
	colorWarning = color.New(color.FgYellow)
	colorMuted   = color.New(color.Faint)
)

// stdout is where command output goes; tests replace it.
var stdout io.Writer = os.Stdout

// writeStructured encodes v as JSON or YAML. It returns false for the table
// format so the caller renders its own table.
func writeStructured(format string, v any) (bool, error) {
	switch format {
	case outputFormatJSON:
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)

	case outputFormatYAML:
		enc := yaml.NewEncoder(stdout)
		enc.SetIndent(2)
		defer func() { _ = enc.Close() }()
		return true, enc.Encode(v)

	case outputFormatTable, "":
		return false, nil

	default:
		return true, fmt.Errorf("%w: %s", errUnknownOutputFormat, format)
	}
}

// newStyledTable creates a pre-configured go-pretty table with StyleLight base,
// bold white headers, and no row separators.
func newStyledTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(stdout)

	style := table.StyleLight
	style.Options.SeparateRows = false
	style.Options.DrawBorder = false
	style.Options.SeparateColumns = true
	style.Format.Header = text.FormatUpper
	style.Format.HeaderAlign = text.AlignLeft
	t.SetStyle(style)

	return t
}

// stateBadge colors a controller path state.
func stateBadge(state string) string {
	switch state {
	case nvme.PathStateLive:
		return colorSuccess.Sprint(state)
	case nvme.PathStateConnecting, nvme.PathStateResetting:
		return colorWarning.Sprint(state)
	case nvme.PathStateDeleting:
		return colorError.Sprint(state)
	case "":
		return colorMuted.Sprint("-")
	default:
		return state
	}
}

// orDash renders empty values as a muted dash.
func orDash(s string) string {
	if s == "" {
		return colorMuted.Sprint("-")
	}
	return s
}

// formatBytes converts bytes to human-readable format.
func formatBytes(bytes uint64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
		TB = GB * 1024
	)

	switch {
	case bytes >= TB:
		return fmt.Sprintf("%.1fTi", float64(bytes)/TB)
	case bytes >= GB:
		return fmt.Sprintf("%.1fGi", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.1fMi", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.1fKi", float64(bytes)/KB)
	case bytes == 0:
		return colorMuted.Sprint("-")
	default:
		return fmt.Sprintf("%dB", bytes)
	}
}
