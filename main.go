package main

import "algotrader/internal/cli"

func main() {
	cli.Execute()
}
