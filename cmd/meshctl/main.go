/*
Copyright © 2024 Syncarcs
*/
package main

import "github.com/Synarcs/Mesh-Interception-Dataplane/cmd/cmd"

func main() {
	cmd.Execute()
}
