package main

import "github.com/scrapecore/scrapecore/cmd"

func main() {
	cmd.Execute()
}
