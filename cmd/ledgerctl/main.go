package main

import (
	"os"

	"github.com/stocksim/ledger-engine/internal/cli"
)

func main() {
	if err := cli.Execute(os.Stdout); err != nil {
		os.Exit(1)
	}
}
