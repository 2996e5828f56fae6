package main

import "github.com/chenhao392/extremeplt/cmd"

func main() {
	cmd.Execute()
}
