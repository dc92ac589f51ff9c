package app

import (
	"fmt"
	"os"
	"strings"
)

// Run executes the CLI command and returns a process exit code.
func Run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "--help", "-h":
		printUsage()
		return 0
	case "health":
		return runHealth(args[1:])
	case "serve":
		return runServe(args[1:])
	case "ingest":
		return runIngest(args[1:])
	case "merge":
		return runMerge(args[1:])
	case "preview":
		return runPreview(args[1:])
	case "history":
		return runHistory(args[1:])
	case "stats":
		return runStats(args[1:])
	case "export":
		return runExport(args[1:])
	case "cleanup":
		return runCleanup(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "greenhouse CLI")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  greenhouse <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  health   Verify storage connectivity")
	fmt.Fprintln(os.Stderr, "  serve    Start the API, realtime channel, MQTT feed and merge scheduler")
	fmt.Fprintln(os.Stderr, "  ingest   Store readings from a JSON file or stdin")
	fmt.Fprintln(os.Stderr, "  merge    Run one reconciliation pass")
	fmt.Fprintln(os.Stderr, "  preview  Show duplicate groups without merging")
	fmt.Fprintln(os.Stderr, "  history  List stored readings")
	fmt.Fprintln(os.Stderr, "  stats    Summarise readings over a date range")
	fmt.Fprintln(os.Stderr, "  export   Write filtered readings as CSV")
	fmt.Fprintln(os.Stderr, "  cleanup  Delete readings older than the retention period")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Use \"greenhouse <command> -h\" for command-specific flags.")
}
