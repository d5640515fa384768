package main

import (
	"os"

	"github.com/mensylisir/phypctl/cmd/phypctl/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
