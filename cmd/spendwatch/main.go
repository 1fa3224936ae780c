package main

import "spend-anomalies/internal/cli"

func main() {
	cli.Execute()
}
