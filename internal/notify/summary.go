package notify

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// DumpSummary describes a finished dump session, successful or not.
type DumpSummary struct {
	DatabaseType string
	DatabaseName string
	DumpName     string
	// ObjectKey is where the artifact was published, empty when kept locally.
	ObjectKey    string
	Size         int64
	Tables       int
	Rows         int64
	Duration     time.Duration
	Success      bool
	Error        error
	DeletedDumps int
}

func WriteGitHubSummary(summary *DumpSummary) error {
	summaryFile := os.Getenv("GITHUB_STEP_SUMMARY")
	if summaryFile == "" {
		return nil
	}

	f, err := os.OpenFile(summaryFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open summary file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(buildSummaryMarkdown(summary)); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}
	return nil
}

func buildSummaryMarkdown(summary *DumpSummary) string {
	var sb strings.Builder

	sb.WriteString("## Database Dump Summary\n\n")
	if summary.Success {
		sb.WriteString("**Status:** :white_check_mark: Ready\n\n")
	} else {
		sb.WriteString("**Status:** :x: Failed\n\n")
	}

	sb.WriteString("| Property | Value |\n")
	sb.WriteString("|----------|-------|\n")
	fmt.Fprintf(&sb, "| Database Type | %s |\n", summary.DatabaseType)
	fmt.Fprintf(&sb, "| Database Name | %s |\n", summary.DatabaseName)
	if summary.DumpName != "" {
		fmt.Fprintf(&sb, "| Dump | `%s` |\n", summary.DumpName)
	}

	if summary.Success {
		if summary.ObjectKey != "" {
			fmt.Fprintf(&sb, "| Object Key | `%s` |\n", summary.ObjectKey)
		}
		fmt.Fprintf(&sb, "| Size | %s |\n", formatBytes(summary.Size))
		if summary.Tables > 0 {
			fmt.Fprintf(&sb, "| Tables | %d |\n", summary.Tables)
		}
		if summary.Rows > 0 {
			fmt.Fprintf(&sb, "| Rows | %d |\n", summary.Rows)
		}
		fmt.Fprintf(&sb, "| Duration | %s |\n", summary.Duration.Round(time.Millisecond))
		if summary.DeletedDumps > 0 {
			fmt.Fprintf(&sb, "| Old Dumps Deleted | %d |\n", summary.DeletedDumps)
		}
	} else if summary.Error != nil {
		fmt.Fprintf(&sb, "| Error | %s |\n", escapeCell(summary.Error.Error()))
	}

	sb.WriteString("\n")
	return sb.String()
}

// escapeCell keeps an error message inside a single table cell.
func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", "\\|")
	return strings.ReplaceAll(s, "\n", " ")
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func SetGitHubOutput(name, value string) error {
	outputFile := os.Getenv("GITHUB_OUTPUT")
	if outputFile == "" {
		return nil
	}

	f, err := os.OpenFile(outputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open output file: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%s=%s\n", name, value); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}
