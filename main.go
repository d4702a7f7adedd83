package main

import "github.com/jfmyers9/deadair/cmd"

func main() {
	cmd.Execute()
}
