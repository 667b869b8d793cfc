package main

import "github.com/tanq16/riptide/cmd"

func main() {
	cmd.Execute()
}
