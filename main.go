// The main package for the d2ilite executable.
package main

import "github.com/happidaswork-netizen/d2ilite/cmd"

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Main()
}
