package main

import "github.com/oda-t/manga-scraper/cmd"

func main() {
	cmd.Execute()
}
