package main

import "github.com/nextlevelbuilder/coworkd/cmd"

func main() {
	cmd.Execute()
}
