package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"MetaCortex/sdk/go/metacortex"
)

func main() {
	baseURL := flag.String("url", "http://localhost:8000", "MetaCortex API base URL")
	query := flag.String("query", "List the files in the current directory.", "question for the agent")
	timeout := flag.Duration("timeout", 5*time.Minute, "how long to wait for the answer")
	flag.Parse()

	client, err := metacortex.NewClient(*baseURL, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	tools, err := client.Tools(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("%d tools available\n", len(tools))

	submitted, err := client.SubmitTask(ctx, *query)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("submitted task %s (status=%s)\n", submitted.TaskID, submitted.Status)

	finished, err := client.Wait(ctx, submitted.TaskID, metacortex.DefaultWait)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("task %s finished with status %s after %d turns\n\n%s\n", finished.TaskID, finished.Status, finished.Turns, finished.Result)
}
