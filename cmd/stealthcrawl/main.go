package main

import (
	"context"
	"stealthcrawl/cmd/stealthcrawl/commands"
	"stealthcrawl/lib/telemetry"
	"stealthcrawl/lib/util/serviceutil"
)

func main() {
	telemetry.SetupFromEnv(context.Background(), "stealthcrawl")
	telemetry.InitSlog(true)
	commands.ExecuteContext(serviceutil.SignalContext())
}
