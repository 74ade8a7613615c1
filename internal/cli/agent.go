package cli

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"

	"github.com/deskgate/deskgate/pkg/gateway"
	"github.com/deskgate/deskgate/pkg/gateway/config"
	"github.com/deskgate/deskgate/pkg/gateway/executor"
	"github.com/deskgate/deskgate/pkg/gateway/llm"
)

const stopTimeout = 30 * time.Second

// AgentRunConfig holds flags of the agent run command
type AgentRunConfig struct {
	Task     string
	Local    bool
	Owner    string
	MaxSteps int
	Keep     bool
	NoColor  bool
}

// NewAgentCmd creates the agent command group
func NewAgentCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Drive computer-use models against desktops",
	}
	cmd.AddCommand(NewAgentRunCmd(flags))
	return cmd
}

// NewAgentRunCmd creates the agent run command
func NewAgentRunCmd(flags *globalFlags) *cobra.Command {
	cfg := &AgentRunConfig{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a model against a fresh desktop until the task is done",
		Long: `Create a desktop, wait until it is ready, run the configured model on the
task and stop the desktop afterwards.

Examples:
  deskgate agent run --task "Open firefox and search for the weather"
  deskgate agent run --local --task "Create notes.txt in the home directory" --max-steps 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), flags, cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.Task, "task", "", "Task for the model")
	cmd.Flags().BoolVar(&cfg.Local, "local", false, "Use the in-process desktop backend")
	cmd.Flags().StringVar(&cfg.Owner, "owner", "cli", "Owner id recorded on the session")
	cmd.Flags().IntVar(&cfg.MaxSteps, "max-steps", 0, "Step budget override")
	cmd.Flags().BoolVar(&cfg.Keep, "keep", false, "Leave the desktop running after the run")
	cmd.Flags().BoolVar(&cfg.NoColor, "no-color", false, "Disable colored output")
	_ = cmd.MarkFlagRequired("task")

	return cmd
}

func runAgent(ctx context.Context, out, errOut io.Writer, flags *globalFlags, rc *AgentRunConfig) error {
	cfg, log, err := flags.load()
	if err != nil {
		return err
	}
	if rc.Local {
		cfg.Backend.Mode = config.BackendLocal
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.Model.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := gateway.NewApp(ctx, cfg, gateway.WithLogger(log))
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Error(err, "Failed to close gateway")
		}
	}()
	if err := app.Start(ctx); err != nil {
		return err
	}

	sess, err := app.Sessions.Create(ctx, rc.Owner, nil)
	if err != nil {
		return err
	}
	id := sess.ID
	if !rc.Keep {
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
			defer cancel()
			if _, err := app.Sessions.Stop(stopCtx, id, rc.Owner); err != nil {
				log.Error(err, "Failed to stop desktop", "sessionId", id)
			}
		}()
	}

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(errOut))
	s.Suffix = " Waiting for desktop " + id
	s.Start()
	ready, err := app.Sessions.PollUntilReady(ctx, id, rc.Owner, 0)
	s.Stop()
	if err != nil {
		return err
	}

	conv, err := llm.NewConversation(&cfg.Model, rc.Task, log)
	if err != nil {
		return err
	}
	driver := executor.NewDriver(app.Dispatcher, app.Sessions, cfg.Agent,
		executor.WithLogger(log),
		executor.WithMetrics(app.Metrics))

	printer := newEventPrinter(out, rc.NoColor)
	events := make(chan *executor.Event, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range events {
			printer.print(e)
		}
	}()

	summary, runErr := driver.Run(ctx, conv, executor.RunRequest{
		SessionID: ready.ID,
		OwnerID:   rc.Owner,
		MaxSteps:  rc.MaxSteps,
	}, events)
	close(events)
	<-done

	if summary != nil {
		printSummary(out, id, summary)
	}
	return runErr
}
