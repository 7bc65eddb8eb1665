package main

import (
	"fmt"
	"io"
	"os"
	"strings"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	switch args[0] {
	case "keygen":
		return runKeygen(args[1:], stdout, stderr)
	case "address":
		return runAddress(args[1:], stdout, stderr)
	case "call":
		return runCall(args[1:], stdout, stderr)
	case "get":
		return runGet(args[1:], stdout, stderr)
	case "balance":
		return runBalance(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func usage() string {
	return strings.TrimSpace(`Usage:
  escrow-cli <command> [flags]

Commands:
  keygen   Create an encrypted participant keystore
  address  Print the address held by a keystore
  call     Sign and submit an escrow call (create, deposit, add_partner,
           initiate_release, initiate_dispute, approve, disapprove, release, refund)
  get      Fetch an escrow snapshot by id
  balance  Show the balance and nonce of an address

The keystore passphrase is read from ESCROW_CLI_PASSPHRASE or prompted for.
`)
}
