package main

import (
	"context"
	"fmt"
	"os"
	_ "time/tzdata"

	"postify/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
