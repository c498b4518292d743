package main

import "coralnet/cmd"

func main() {
	cmd.Execute()
}
