package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "traysync: %v\n", err)
		os.Exit(1)
	}
}
