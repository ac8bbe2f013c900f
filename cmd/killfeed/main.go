package main

import "github.com/lorddemonos/killfeed/internal/cmd"

func main() {
	cmd.Execute()
}
