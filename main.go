package main

import (
	"os"

	"github.com/ngld/buildsys/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
