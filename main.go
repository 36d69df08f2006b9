package main

import "github.com/Daniele-Cangi/CryoFlux/cmd"

func main() {
	cmd.Execute()
}
