// The main package for the pipeline executable.
package main

import (
	"github.com/JakeFAU/discovery-pipeline/cmd"
)

func main() {
	cmd.Execute()
}
