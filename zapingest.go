package main

import (
	"fmt"
	"os"
	"time"

	"github.com/LeeDigitalWorks/zapingest/cmd"

	"github.com/getsentry/sentry-go"
)

func main() {
	err := sentry.Init(sentry.ClientOptions{
		SampleRate:       0.1,
		EnableTracing:    true,
		TracesSampleRate: 0.1,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "sentry.Init: %v", err)
	}
	defer sentry.Flush(2 * time.Second)

	cmd.Execute()
}
