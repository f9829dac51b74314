// Command policyd is a local policy-decision daemon: it answers "is
// subject S permitted privilege P in session K?" for clients connecting
// over a Unix domain socket, backed by a layered bucketed policy database.
package main

import "github.com/policyd/policyd/cmd/policyd/cmd"

func main() {
	cmd.Execute()
}
