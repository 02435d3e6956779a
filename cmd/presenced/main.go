package main

import "github.com/appotry/discourse/cmd/presenced/commands"

func main() {
	commands.Execute()
}
