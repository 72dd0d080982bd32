// Command signupd serves the volunteer signup API over Azure SQL.
//
// Usage:
//
//	signupd serve [-config signupd.yaml]   start the HTTP server
//	signupd probe [-config signupd.yaml]   connect once and report identity and health
//	signupd version                        print the version
package main

import (
	"fmt"
	"os"

	"github.com/volunteerhub/signupdb"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	var code int
	switch os.Args[1] {
	case "serve":
		code = runServe(os.Args[2:])
	case "probe":
		code = runProbe(os.Args[2:])
	case "version":
		fmt.Println(signupdb.AppName())
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		code = 2
	}
	os.Exit(code)
}

func printUsage() {
	fmt.Println(`signupd - volunteer signup service

Usage:
  signupd <command> [options]

Commands:
  serve     Start the HTTP server
  probe     Connect to the database and report the authenticated identity
  version   Show version information

Options for 'serve' and 'probe':
  -config <path>   YAML configuration file (default $SIGNUPD_CONFIG or signupd.yaml)`)
}
