// The main package for the accessioner executable.
package main

import "github.com/archivelab/accessioner/cmd"

func main() {
	cmd.Execute()
}
