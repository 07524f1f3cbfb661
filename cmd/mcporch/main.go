package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prbarcelon/mcporch/internal/client"
)

func main() {
	binary := filepath.Base(os.Args[0])
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "version") {
		fmt.Println("mcporch dev")
		os.Exit(0)
	}
	os.Exit(client.Run(binary, os.Args[1:]))
}
