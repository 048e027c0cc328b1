//go:build !test

package main

import (
	"log"
	"os"

	"github.com/axvmhq/axvm/cli"
)

func main() {
	if err := cli.Run(); err != nil {
		log.Print(err)
		os.Exit(2)
	}
}
