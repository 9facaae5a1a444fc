package main

import "github.com/songzhibin97/bookflow/cmd/bookflow/cli"

func main() {
	cli.Execute()
}
