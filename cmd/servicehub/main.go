package main

import (
	"context"
	"fmt"
	"os"

	"github.com/DEEJ4Y/servicehub/internal/cli"
)

func main() {
	if err := cli.BuildCLI().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
