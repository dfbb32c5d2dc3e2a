package main

import (
	"log"

	"github.com/docraft/docraft/internal/server"
)

func main() {
	if err := server.Run(); err != nil {
		log.Fatal(err)
	}
}
