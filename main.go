package main

import "github.com/agusx1211/arbor/internal/cli"

func main() {
	cli.Execute()
}
