package main

import "github.com/neuro-assistant/backend/internal/cli"

func main() {
	cli.Execute()
}
