package main

import (
	"log"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Print(err)
		os.Exit(exitCode(err))
	}
}
