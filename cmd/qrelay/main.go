package main

import (
	"log"

	"github.com/xquakejs/qrelay/qrelay"
)

func main() {
	cli := qrelay.NewCLI()

	if err := cli.Execute(); err != nil {
		log.Fatal(err)
	}
}
