package main

import "github.com/JakeFAU/gridcrawler/cmd"

func main() {
	cmd.Execute()
}
