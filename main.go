// Command oiat is the single binary of the POS-to-accounting automation
// platform. See the cli package for the command tree and the exit code
// contract the dispatcher relies on.
package main

import (
	"os"

	"oiat.dev/cli"
)

func main() {
	os.Exit(cli.Execute())
}
