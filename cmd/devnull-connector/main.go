// Command devnull-connector runs the devnull connector over stdio, for use
// as an exec: or docker: connector package.
package main

import (
	"os"

	"github.com/syncmaven/syncmaven-sub000/pkg/connector/devnull"
	"github.com/syncmaven/syncmaven-sub000/pkg/connector/sdk"
)

func main() {
	os.Exit(sdk.Main(devnull.New()))
}
