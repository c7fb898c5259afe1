// Command portalsync operates the portal's offline data layer from a shell.
//
// Usage:
//
//	portalsync run                          Keep the cache in sync and flush queued creates
//	portalsync list <collection>            Print cached records of a collection
//	portalsync get <collection> <id>        Print one cached record
//	portalsync enqueue <collection> k=v...  Queue a new record
//	portalsync queue [--failed]             Show queued creates
//	portalsync queue retry <id>             Requeue a parked create
//	portalsync queue discard <id>           Drop a queued create
//	portalsync resync <collection>          Replace the cached collection with the remote's
//
// Settings are read from portalsync.yaml in the current directory or any
// parent, and can be overridden by flags.
package main

import (
	"fmt"
	"os"

	"github.com/acksell/portalsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
