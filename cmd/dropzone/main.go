package main

import (
	"fmt"
	"os"

	"github.com/sheerbytes/dropzone/internal/cli/remote"
	"github.com/sheerbytes/dropzone/internal/cli/serve"
	"github.com/sheerbytes/dropzone/internal/termio"
)

const (
	version = "v0.1.0"
	banner  = `
     _
  __| |_ __ ___  _ __  _______  _ __   ___
 / _' | '__/ _ \| '_ \|_  / _ \| '_ \ / _ \
| (_| | | | (_) | |_) |/ / (_) | | | |  __/
 \__,_|_|  \___/| .__//___\___/|_| |_|\___|
                |_|
dropzone v0.1.0
LAN file drop between nearby machines
`
)

func main() {
	termio.Init()
	code := run(os.Args[1:])
	termio.Flush()
	os.Exit(code)
}

func run(args []string) int {
	if len(args) == 0 {
		printBanner()
		printUsage()
		return 0
	}
	if args[0] == "--version" || args[0] == "-v" || args[0] == "version" {
		fmt.Fprintln(termio.Stdout(), version)
		return 0
	}

	cmdName := args[0]
	switch cmdName {
	case "serve":
		return serve.Run(args[1:])
	case "peers":
		return remote.Peers(args[1:])
	case "send":
		return remote.Send(args[1:])
	case "watch":
		return remote.Watch(args[1:])
	case "help", "--help", "-h":
		printBanner()
		printUsage()
		return 0
	default:
		fmt.Fprintf(termio.Stderr(), "unknown command: %s\n", cmdName)
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintln(termio.Stderr(), "usage: dropzone <command> [args]")
	fmt.Fprintln(termio.Stderr(), "commands:")
	fmt.Fprintln(termio.Stderr(), "  serve  run a node: announce on the LAN and accept transfers")
	fmt.Fprintln(termio.Stderr(), "  peers  list nearby nodes")
	fmt.Fprintln(termio.Stderr(), "  send   offer a file to a peer and follow the transfer")
	fmt.Fprintln(termio.Stderr(), "  watch  follow events and answer incoming offers")
	fmt.Fprintln(termio.Stderr(), "quick examples:")
	fmt.Fprintln(termio.Stderr(), "  dropzone serve -dest ~/Downloads")
	fmt.Fprintln(termio.Stderr(), "  dropzone peers")
	fmt.Fprintln(termio.Stderr(), "  dropzone send laptop ./slides.pdf")
	fmt.Fprintln(termio.Stderr(), "  dropzone watch -accept")
	fmt.Fprintln(termio.Stderr(), "to learn detailed usage:")
	fmt.Fprintln(termio.Stderr(), "  dropzone <command> --help")
}

func printBanner() {
	fmt.Fprint(termio.Stdout(), banner)
}
