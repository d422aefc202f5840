package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/annel0/trial-replay/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)

		var apiErr *cli.APIError
		if errors.As(err, &apiErr) && apiErr.Status == 404 {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
