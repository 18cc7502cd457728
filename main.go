package main

import (
	"os"

	"github.com/bundlesdev/bundles/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
