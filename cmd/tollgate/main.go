// Command tollgate is the API token gateway: it admits bearer-token
// requests against IP rules, rate limits and scopes, and forwards the
// admitted ones to the billing upstream.
package main

import (
	"fmt"
	"os"

	"github.com/tollgate/tollgate/cmd/tollgate/cli"
)

// Stamped with -ldflags "-X main.version=... -X main.commit=... -X main.date=...".
// Unset values fall back to the build info recorded by go build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := cli.Execute(version, commit, date); err != nil {
		fmt.Fprintln(os.Stderr, "tollgate:", err)
		os.Exit(1)
	}
}
