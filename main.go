//go:build !test

package main

import (
	"log"

	"github.com/vmcore/govmm/flag"
)

func main() {
	if err := flag.Parse(); err != nil {
		log.Fatal(err)
	}
}
