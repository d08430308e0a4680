package main

import (
	"os"

	"github.com/albertocavalcante/starcov/internal/cmd/starcov"
)

func main() {
	os.Exit(starcov.Run(os.Args[1:]))
}
