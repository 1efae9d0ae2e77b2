package main

import "github.com/imaginary-cherry/mageflow/services/conductor/cli"

func main() {
	cli.Execute()
}
