package main

import "storystudio/cli"

func main() {
	cli.Execute()
}
