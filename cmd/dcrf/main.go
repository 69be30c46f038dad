package main

import "github.com/lightforgemedia/go-dcrf/internal/cli"

func main() {
	cli.Execute()
}
