package main

/*
dyad_predict predicts a per-participant attribute for every dyad of a
dataset directory and writes one CSV per data file.

Usage:
  OPENAI_API_KEY=... go run ./cmd/dyad_predict run my_study \
    --strategy EACH_PARTICIPANT_ALONE \
    --question "Which gender do you identify as?" \
    --labels male,female

  go run ./cmd/dyad_predict report --db out/predictions.db
  go run ./cmd/dyad_predict validate-map data/my_study/map.json

Every run flag may also be set as DYAD_<FLAG> (dashes become
underscores) or in the file named by --config. A .env file in the working
directory is loaded first.
*/

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
)

func main() {
	// A missing .env is not an error.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdin, os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
