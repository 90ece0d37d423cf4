// Command pruv is the dispatcher/worker binary: one executable that is
// either the dispatcher process or, re-exec'd with --worker, a worker child
// (spec §6). Grounded on the teacher's cmd/server entry point shape (parse
// config, construct, Run).
package main

import (
	"fmt"
	"os"

	"github.com/API92/pruv/app"
	"github.com/API92/pruv/config"
)

func main() {
	cfg := config.New()

	a := app.New(cfg, EchoStatus)
	if err := a.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "pruv:", err)
		os.Exit(1)
	}
}
