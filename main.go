// Copyright © 2024 The robotdev authors

package main

import "github.com/luthersystems/robotdev/cmd"

func main() {
	cmd.Execute()
}
