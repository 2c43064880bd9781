// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command ptablesd is the packet filter daemon and its control client.
//
//	ptablesd start [-config FILE]       run the daemon in the foreground
//	ptablesd rules load FILE            install a JSON rule set
//	ptablesd status                     one-line health summary
//	ptablesd stats [-json]              print counters
//	ptablesd drain [-once]              stream capture records as JSON lines
//	ptablesd ping                       check the control channel
package main

import (
	"flag"
	"fmt"
	"os"

	"grimm.is/ptables/cmd"
	"grimm.is/ptables/internal/ctlplane"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "start":
		fs := flag.NewFlagSet("start", flag.ExitOnError)
		configFile := fs.String("config", "", "path to HCL config file")
		fs.Parse(os.Args[2:])
		err = cmd.RunDaemon(*configFile)

	case "rules":
		if len(os.Args) < 4 || os.Args[2] != "load" {
			fmt.Fprintln(os.Stderr, "usage: ptablesd rules load FILE")
			os.Exit(2)
		}
		fs := flag.NewFlagSet("rules load", flag.ExitOnError)
		socket := socketFlag(fs)
		fs.Parse(os.Args[4:])
		err = cmd.RunRulesLoad(*socket, os.Args[3])

	case "stats":
		fs := flag.NewFlagSet("stats", flag.ExitOnError)
		socket := socketFlag(fs)
		asJSON := fs.Bool("json", false, "emit JSON instead of a table")
		fs.Parse(os.Args[2:])
		err = cmd.RunStats(*socket, *asJSON)

	case "drain":
		fs := flag.NewFlagSet("drain", flag.ExitOnError)
		socket := socketFlag(fs)
		once := fs.Bool("once", false, "stop when the ring is empty")
		fs.Parse(os.Args[2:])
		err = cmd.RunDrain(*socket, *once)

	case "status":
		fs := flag.NewFlagSet("status", flag.ExitOnError)
		socket := socketFlag(fs)
		fs.Parse(os.Args[2:])
		err = cmd.RunStatus(*socket)

	case "ping":
		fs := flag.NewFlagSet("ping", flag.ExitOnError)
		socket := socketFlag(fs)
		fs.Parse(os.Args[2:])
		err = cmd.RunPing(*socket)

	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "ptablesd: %v\n", err)
		os.Exit(1)
	}
}

func socketFlag(fs *flag.FlagSet) *string {
	return fs.String("socket", ctlplane.DefaultSocketPath, "control socket path")
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: ptablesd <command> [flags]

commands:
  start        run the filter daemon in the foreground
  rules load   install a JSON rule set
  status       one-line health summary
  stats        print per-adapter counters
  drain        stream capture records as JSON lines
  ping         check the control channel`)
}
