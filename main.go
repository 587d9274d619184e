package main

import "github.com/andresmejia3/persona/cmd"

func main() {
	cmd.Execute()
}
