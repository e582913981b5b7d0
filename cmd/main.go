package main

import (
	"log"
	"os"

	"eduquest-engine/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		log.Printf("eduquest: %v", err)
		os.Exit(1)
	}
}
