package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"reward-accumulator/sdk/go/accumulator"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "http://127.0.0.1:8080", "accumulator daemon base URL")
	wait := flag.Bool("wait", false, "with trigger: wait until the run finishes")
	limit := flag.Int("limit", 20, "with transactions: number of records to list")
	timeout := flag.Duration("timeout", 30*time.Minute, "overall command timeout")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: accumulatorctl [flags] trigger|status|transactions\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		return fmt.Errorf("expected exactly one command")
	}

	client, err := accumulator.NewClient(*addr, nil)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch flag.Arg(0) {
	case "trigger":
		triggered, err := client.TriggerRun(ctx)
		if err != nil {
			return err
		}
		if !*wait {
			return printJSON(triggered)
		}
		status, err := client.WaitForRun(ctx, triggered.RunID, 5*time.Second)
		if err != nil {
			return err
		}
		if err := printJSON(status); err != nil {
			return err
		}
		if status.Error != "" {
			return fmt.Errorf("run %s failed at %s: %s", status.RunID, status.State, status.Code)
		}
		return nil
	case "status":
		status, err := client.LatestRun(ctx)
		if err != nil {
			return err
		}
		return printJSON(status)
	case "transactions":
		txs, err := client.Transactions(ctx, *limit)
		if err != nil {
			return err
		}
		return printJSON(txs)
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", flag.Arg(0))
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
