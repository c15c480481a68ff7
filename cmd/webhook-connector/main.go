// Command webhook-connector runs the webhook destination over stdio.
package main

import (
	"os"

	"github.com/syncmaven/syncmaven-sub000/pkg/connector/sdk"
	"github.com/syncmaven/syncmaven-sub000/pkg/connector/webhook"
)

func main() {
	os.Exit(sdk.Main(webhook.New()))
}
