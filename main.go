package main

import "github.com/nextlevelbuilder/sessionrelay/cmd"

func main() {
	cmd.Execute()
}
