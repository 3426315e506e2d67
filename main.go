// ./main.go
package main

import (
	"github.com/troupehq/troupe/cmd"
)

// main is the entry point for the troupe CLI application.
func main() {
	// Execute the root command defined in the cmd package.
	cmd.Execute()
}
