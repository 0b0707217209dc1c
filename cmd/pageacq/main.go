// The main package for the pageacq executable.
package main

import (
	"github.com/JakeFAU/page-acquisition/cmd"
)

func main() {
	cmd.Execute()
}
