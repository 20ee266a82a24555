// reqmod - request interception and modification server.
package main

import (
	"fmt"
	"os"

	"github.com/getreqmod/reqmod/pkg/cli"
)

// Version is stamped at build time via ldflags.
var Version = "dev"

func main() {
	if err := cli.Execute(Version); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
