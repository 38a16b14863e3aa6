// Command jobengine runs the job queue engine with its admin API.
//
//	jobengine serve                      # workers, scheduler and admin API
//	jobengine migrate                    # apply the Postgres schema
//	jobengine validate -f queues.yaml    # check a definitions file
//
// Settings come from the environment (and an optional .env file): PG_*,
// REDIS_*, QUEUE_*, HTTP_* and LOG_*.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
