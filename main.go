// The main package for the scrapeq executable.
package main

import "github.com/JakeFAU/scrapeq/cmd"

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
