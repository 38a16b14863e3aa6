package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"github.com/dmitrymomot/jobengine/pkg/queue"
)

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a definitions file and print the resolved queues and schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("definitions")
			asJSON, _ := cmd.Flags().GetBool("json")

			defs, err := readDefinitions(path)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), defs)
			}
			return printDefinitions(cmd.OutOrStdout(), defs)
		},
	}
	cmd.Flags().StringP("definitions", "f", "", "definitions file (the built-in set when empty)")
	cmd.Flags().Bool("json", false, "print the resolved queue configs as JSON")
	return cmd
}

// readDefinitions loads path, or the built-in definitions when path is empty.
func readDefinitions(path string) (*queue.Definitions, error) {
	if path == "" {
		return queue.DefaultDefinitions(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definitions: %w", err)
	}
	defs, err := queue.LoadDefinitions(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return defs, nil
}

type resolvedDefinitions struct {
	Queues  []resolvedQueue          `json:"queues"`
	Repeats []queue.RepeatDefinition `json:"repeats"`
}

type resolvedQueue struct {
	queue.QueueConfig
	Worker queue.WorkerSettings `json:"worker"`
}

func resolve(defs *queue.Definitions) (resolvedDefinitions, error) {
	var out resolvedDefinitions
	for _, cfg := range defs.QueueConfigs() {
		out.Queues = append(out.Queues, resolvedQueue{QueueConfig: cfg, Worker: defs.WorkerSettings(cfg.Name)})
	}
	repeats, err := defs.RepeatDefinitions()
	if err != nil {
		return out, err
	}
	out.Repeats = repeats
	return out, nil
}

func printJSON(w io.Writer, defs *queue.Definitions) error {
	res, err := resolve(defs)
	if err != nil {
		return err
	}
	raw, err := sonic.ConfigStd.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(raw))
	return err
}

func printDefinitions(w io.Writer, defs *queue.Definitions) error {
	res, err := resolve(defs)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "QUEUE\tATTEMPTS\tBACKOFF\tCONCURRENCY\tRATE LIMIT")
	for _, q := range res.Queues {
		fmt.Fprintf(tw, "%s\t%d\t%s %s\t%d\t%d/%s\n",
			q.Name,
			q.Defaults.MaxAttempts,
			q.Defaults.Backoff.Kind, q.Defaults.Backoff.BaseDelay,
			q.Worker.Concurrency,
			q.Worker.RateLimit.Limit, q.Worker.RateLimit.Window)
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "REPEAT\tQUEUE\tSCHEDULE\tTIMEZONE\tJOB")
	for _, r := range res.Repeats {
		tz := r.Timezone
		if tz == "" {
			tz = "UTC"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Key, r.Queue, r.Schedule, tz, r.Template.Name)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "\n%d queues, %d repeats: ok\n", len(res.Queues), len(res.Repeats))
	return err
}
