// Command dispatchctl is the operator CLI for a dispatchd orchestrator: log
// in with the operator secret, submit jobs from specifications, and
// inspect or control jobs in flight.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dispatchd/dispatchd/internal/cli"
	"github.com/dispatchd/dispatchd/internal/version"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const defaultServer = "http://localhost:8080"

func main() {
	rootCmd := &cobra.Command{
		Use:     "dispatchctl",
		Short:   "Operator CLI for a dispatchd orchestrator",
		Version: version.Version,
	}
	rootCmd.PersistentFlags().String("server", defaultServer, "Orchestrator URL")

	rootCmd.AddCommand(
		loginCmd(),
		logoutCmd(),
		runCmd(),
		jobsCmd(),
		getCmd(),
		logsCmd(),
		retryCmd(),
		cancelCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// clientFor builds an authenticated Client for --server, failing with a
// clear "run dispatchctl login" message if no token is stored.
func clientFor(cmd *cobra.Command) (*cli.Client, error) {
	serverURL, _ := cmd.Flags().GetString("server")
	serverURL = strings.TrimSuffix(serverURL, "/")

	cfg, err := cli.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	sc := cfg.GetServerConfig(serverURL)
	if sc == nil || sc.Token == "" {
		return nil, fmt.Errorf("not logged in to %s (run 'dispatchctl login --server %s')", serverURL, serverURL)
	}
	return cli.NewClient(serverURL, sc.Token), nil
}

func loginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate with the orchestrator's operator secret",
		RunE:  runLogin,
	}
	cmd.Flags().String("secret", "", "Operator secret (prompted for if omitted)")
	return cmd
}

func runLogin(cmd *cobra.Command, args []string) error {
	serverURL, _ := cmd.Flags().GetString("server")
	serverURL = strings.TrimSuffix(serverURL, "/")

	secret, _ := cmd.Flags().GetString("secret")
	if secret == "" {
		fmt.Print("Operator secret: ")
		data, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return fmt.Errorf("read secret: %w", err)
		}
		secret = string(data)
	}

	client := cli.NewClient(serverURL, "")
	token, err := client.Login(secret)
	if err != nil {
		return err
	}

	cfg, err := cli.LoadConfig()
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}
	cfg.SetServerConfig(serverURL, cli.ServerConfig{URL: serverURL, Token: token})
	if err := cli.SaveConfig(cfg); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}

	fmt.Printf("Logged in to %s\n", serverURL)
	return nil
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove stored credentials for the orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			serverURL, _ := cmd.Flags().GetString("server")
			serverURL = strings.TrimSuffix(serverURL, "/")

			cfg, err := cli.LoadConfig()
			if err != nil {
				return fmt.Errorf("load credentials: %w", err)
			}
			delete(cfg.Servers, serverURL)
			return cli.SaveConfig(cfg)
		},
	}
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <spec-name> [json-args]",
		Short: "Submit a job from a job specification",
		Long: `Submit a job from a named job specification.

Examples:
  dispatchctl run nightly-build
  dispatchctl run deploy '{"env":"staging"}' --created-by ops --queue deploys`,
		Args: cobra.RangeArgs(1, 2),
		RunE: runRun,
	}
	cmd.Flags().String("created-by", "", "Operator identity recorded on the job")
	cmd.Flags().String("queue", "", "Queue to submit to (defaults to the default queue)")
	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	client, err := clientFor(cmd)
	if err != nil {
		return err
	}

	specName := args[0]
	var runtimeArgs map[string]any
	if len(args) == 2 {
		if err := json.Unmarshal([]byte(args[1]), &runtimeArgs); err != nil {
			return fmt.Errorf("parse json-args: %w", err)
		}
	}
	createdBy, _ := cmd.Flags().GetString("created-by")
	queueName, _ := cmd.Flags().GetString("queue")

	job, err := client.RunJob(specName, runtimeArgs, createdBy, queueName)
	if err != nil {
		return err
	}
	fmt.Printf("Submitted job %s on queue %s\n", job.ID, job.QueueName)
	return nil
}

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs",
		RunE:  runJobs,
	}
	cmd.Flags().String("status", "", "Filter by status (pending|running|completed|failed|cancelled|error)")
	cmd.Flags().Int("limit", 20, "Number of jobs to show")
	return cmd
}

func runJobs(cmd *cobra.Command, args []string) error {
	client, err := clientFor(cmd)
	if err != nil {
		return err
	}
	status, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")

	jobs, err := client.ListJobs(status, limit)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}
	for _, job := range jobs {
		fmt.Printf("%s %s %s @ %s (%s)\n", cli.StatusSymbol(job.Status), job.ID, job.SpecName, job.QueueName, cli.RelativeTime(job.CreatedAt))
	}
	return nil
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show a single job's detail",
		Args:  cobra.ExactArgs(1),
		RunE:  runGet,
	}
}

func runGet(cmd *cobra.Command, args []string) error {
	client, err := clientFor(cmd)
	if err != nil {
		return err
	}
	job, err := client.GetJob(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("ID:       %s\n", job.ID)
	fmt.Printf("Spec:     %s\n", job.SpecName)
	fmt.Printf("Status:   %s %s\n", cli.StatusSymbol(job.Status), job.Status)
	fmt.Printf("Queue:    %s\n", job.QueueName)
	if job.WorkerID != "" {
		fmt.Printf("Worker:   %s\n", job.WorkerID)
	}
	fmt.Printf("Created:  %s\n", cli.RelativeTime(job.CreatedAt))
	if job.StartedAt != nil && job.CompletedAt != nil {
		fmt.Printf("Duration: %s\n", cli.FormatDuration(job.CompletedAt.Sub(*job.StartedAt)))
	}
	if job.ErrorMessage != "" {
		fmt.Printf("Error:    %s\n", job.ErrorMessage)
	}
	return nil
}

func logsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs <job-id>",
		Short: "Show or follow a job's logs",
		Args:  cobra.ExactArgs(1),
		RunE:  runLogs,
	}
	cmd.Flags().BoolP("follow", "f", false, "Stream live output instead of the stored transcript")
	return cmd
}

func runLogs(cmd *cobra.Command, args []string) error {
	client, err := clientFor(cmd)
	if err != nil {
		return err
	}
	jobID := args[0]
	follow, _ := cmd.Flags().GetBool("follow")

	if !follow {
		lines, err := client.JobLogLines(jobID)
		if err != nil {
			return err
		}
		for _, l := range lines {
			fmt.Print(l.Data)
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	return client.StreamLogs(ctx, jobID, func(event string, data []byte) error {
		switch event {
		case "log_line":
			var ev struct {
				Data string `json:"data"`
			}
			if err := json.Unmarshal(data, &ev); err != nil {
				return nil
			}
			fmt.Print(ev.Data)
		case "job_status":
			var ev struct {
				Status string `json:"status"`
			}
			if err := json.Unmarshal(data, &ev); err == nil && ev.Status != "" {
				fmt.Printf("\n--- job %s ---\n", ev.Status)
			}
		}
		return nil
	})
}

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Retry a failed, errored, or cancelled job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFor(cmd)
			if err != nil {
				return err
			}
			job, err := client.RetryJob(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Created new job %s\n", job.ID)
			return nil
		},
	}
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFor(cmd)
			if err != nil {
				return err
			}
			if err := client.CancelJob(args[0]); err != nil {
				return err
			}
			fmt.Printf("Cancelled job %s\n", args[0])
			return nil
		},
	}
}
