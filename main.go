// Package main is the entry point for hostaudit.
package main

import "hostaudit/cmd"

func main() {
	cmd.Execute()
}
