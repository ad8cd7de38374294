package main

import "github.com/nextlevelbuilder/topiclaw/cmd"

func main() {
	cmd.Execute()
}
