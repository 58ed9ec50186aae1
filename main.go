package main

import "github.com/duh17/pideck/cmd"

func main() {
	cmd.Execute()
}
