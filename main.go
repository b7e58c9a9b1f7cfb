package main

import "github.com/nextlevelbuilder/crispclaw/cmd"

func main() {
	cmd.Execute()
}
