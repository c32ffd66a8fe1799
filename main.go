package main

import "github.com/allen9441/hanabot/cmd"

func main() {
	cmd.Execute()
}
