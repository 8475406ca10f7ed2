package main

import (
	"fmt"
	"os"

	"github.com/kinsware/handwrite/internal/cmd"
)

func main() {
	if len(os.Args) < 2 {
		cmd.RunServer()
		return
	}

	switch os.Args[1] {
	case "server":
		cmd.RunServer()
	case "models":
		cmd.RunModels(os.Args[2:])
	case "help":
		showHelp()
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		showHelp()
		os.Exit(1)
	}
}

func showHelp() {
	fmt.Println("handwrite - signature verification and image classification service")
	fmt.Println("Usage: ./handwrite [command] [args]")
	fmt.Println("\nAvailable commands:")
	fmt.Println("  server   Start the HTTP server (default)")
	fmt.Println("  models   List the models of an upstream (flags: -server, -api-key, -timeout)")
	fmt.Println("  help     Show this help message")
}
