// Command lararabbit is a small operational CLI over the messaging client:
// publish one-off messages, drain or inspect queues, and run health checks.
// Connection settings come from the LARARABBIT_* environment variables.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"

	lararabbit "github.com/aahmedessam30/lararabbit"
	"github.com/aahmedessam30/lararabbit/config"
	"github.com/aahmedessam30/lararabbit/health"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "lararabbit",
		Short:         "Publish, consume and inspect RabbitMQ messages",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(publishCommand(), consumeCommand(), getCommand(), healthCommand())
	return root
}

func newClient() (*lararabbit.Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return lararabbit.NewClient(cfg)
}

func publishCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "publish <routing-key> <json-payload>",
		Short: "Publish a single message through the resilience stack",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload map[string]interface{}
			if err := json.Unmarshal([]byte(args[1]), &payload); err != nil {
				return fmt.Errorf("payload must be a JSON object: %w", err)
			}

			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			if !client.Publish(cmd.Context(), args[0], payload) {
				return fmt.Errorf("publish to %q failed, circuit %s", args[0], client.CircuitState())
			}

			fmt.Println("published")
			return nil
		},
	}
}

func consumeCommand() *cobra.Command {
	var bindingKeys []string

	cmd := &cobra.Command{
		Use:   "consume <queue>",
		Short: "Consume a queue and print each message until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			var options []lararabbit.ConsumeOption
			if len(bindingKeys) > 0 {
				options = append(options, lararabbit.WithConsumeBindingKeys(bindingKeys...))
			}

			err = client.Consume(cmd.Context(), args[0], func(ctx context.Context, data map[string]interface{}, d amqp.Delivery) error {
				line, _ := json.Marshal(data)
				fmt.Printf("%s %s %s\n", d.MessageId, d.RoutingKey, line)
				return nil
			}, options...)

			if err != nil && cmd.Context().Err() == nil {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&bindingKeys, "bind", "b", nil, "binding keys for the queue (defaults to the queue name)")
	return cmd
}

func getCommand() *cobra.Command {
	var ack bool

	cmd := &cobra.Command{
		Use:   "get <queue>",
		Short: "Fetch a single message without a consumer loop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			d, ok := client.GetMessageFromQueue(cmd.Context(), args[0])
			if !ok {
				fmt.Println("queue is empty")
				return nil
			}

			fmt.Printf("%s %s %s\n", d.MessageId, d.RoutingKey, d.Body)
			if ack {
				client.Acknowledge(*d)
			} else {
				client.Reject(*d, true)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&ack, "ack", false, "acknowledge the message instead of requeueing it")
	return cmd
}

func healthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Run the health checks and print the report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			registry := health.NewRegistry()
			registry.Register(health.NewClientChecker(client))

			report := registry.Check(cmd.Context())
			for _, r := range report.Results {
				fmt.Printf("%-12s %-10s %s\n", r.Name, r.Status, r.Message)
			}

			if report.Status == health.StatusUnhealthy {
				return fmt.Errorf("unhealthy")
			}
			return nil
		},
	}
}
