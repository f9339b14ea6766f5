// workshopd is the local companion daemon for the Granny Gear intake PWA.
package main

import "github.com/grannygear/workshop/internal/cli"

func main() {
	cli.Execute()
}
