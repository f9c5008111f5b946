package main

import (
	"github.com/ctwatch/ctwatch/cmd"
)

func main() {
	cmd.Execute()
}
