package main

import "denueflow/cmd"

func main() {
	cmd.Execute()
}
