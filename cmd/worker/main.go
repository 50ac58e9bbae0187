package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/joshu-sajeev/jobrunner/internal/app"
	"github.com/joshu-sajeev/jobrunner/internal/migration"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		if errors.Is(err, migration.ErrMigrationFailed) {
			os.Exit(app.ExitMigrationFailed)
		}
		os.Exit(1)
	}
}
