// wardend is the governance daemon: policy evaluation, the tamper-evident
// audit log, violation detection and alerting, and compliance report
// generation, behind one HTTP API.
//
// Subcommands operate on a wardend audit database offline:
//
//	wardend                  start the server (default)
//	wardend serve            start the server
//	wardend verify           verify an audit log's hash chain
//	wardend export           write an evidence pack zip
//	wardend help             print usage
package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is swappable in tests.
var startServer = runServer

// Run dispatches the subcommand and returns the process exit code.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(stderr)
	}

	switch args[1] {
	case "serve", "server":
		return startServer(stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "export":
		return runExportCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return startServer(stderr)
		}
		_, _ = fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprint(w, `Usage: wardend [command]

Commands:
  serve     Start the governance server (default)
  verify    Verify the hash chain of a SQLite audit log
  export    Export an evidence pack zip from a SQLite audit log
  help      Show this help

Environment:
  WARDEN_CONFIG     Path to the YAML configuration file
  WARDEN_*          Per-setting overrides (see pkg/config)
`)
}
