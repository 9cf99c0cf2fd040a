package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"strata/internal/cli"
	"strata/internal/config"
	"strata/internal/protocol"
	"strata/internal/server"
	"strata/internal/stats"
)

var (
	addressFlag string
	timeoutFlag time.Duration
	outputFlag  string

	streamIDFlag   uint32
	topicIDFlag    uint32
	partitionsFlag uint32
	expiryFlag     uint32
	maxSizeFlag    uint64

	sendPartitionFlag uint32
	keyFlag           string

	pollPartitionFlag uint32
	offsetFlag        int64
	lastFlag          bool
	countFlag         uint32
)

// runClient dials the broker and hands the connection and an output
// formatter to fn under the request timeout.
func runClient(cmd *cobra.Command, fn func(ctx context.Context, c *server.Client, f *cli.Formatter) error) error {
	format, err := cli.ParseOutputFormat(outputFlag)
	if err != nil {
		return err
	}
	f := cli.NewFormatter(format)
	f.SetWriter(cmd.OutOrStdout())

	ctx, cancel := context.WithTimeout(cmd.Context(), timeoutFlag)
	defer cancel()

	c, err := dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c, f)
}

func dial(ctx context.Context) (*server.Client, error) {
	if addressFlag == "" {
		cfg, err := config.Load(configFlag)
		if err != nil {
			return nil, err
		}
		addressFlag = cfg.TCP.Address
	}
	return server.Dial(ctx, addressFlag)
}

// =============================================================================
// SYSTEM
// =============================================================================

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that a broker answers on its TCP address",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runClient(cmd, func(ctx context.Context, c *server.Client, _ *cli.Formatter) error {
			start := time.Now()
			if _, err := c.Do(ctx, protocol.Ping{}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pong from %s in %s\n", addressFlag, time.Since(start).Round(time.Microsecond))
			return nil
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Fetch the server statistics over TCP",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runClient(cmd, func(ctx context.Context, c *server.Client, f *cli.Formatter) error {
			payload, err := c.Do(ctx, protocol.GetStats{})
			if err != nil {
				return err
			}
			var st stats.ServerStats
			if err := json.Unmarshal(payload, &st); err != nil {
				return fmt.Errorf("invalid stats payload: %w", err)
			}
			return f.FormatStats(st)
		})
	},
}

// =============================================================================
// STREAMS & TOPICS
// =============================================================================

var streamsCmd = &cobra.Command{
	Use:   "streams",
	Short: "List streams",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runClient(cmd, func(ctx context.Context, c *server.Client, f *cli.Formatter) error {
			payload, err := c.Do(ctx, protocol.GetStreams{})
			if err != nil {
				return err
			}
			streams, err := protocol.DecodeStreams(payload)
			if err != nil {
				return err
			}
			return f.FormatStreams(streams)
		})
	},
}

var createStreamCmd = &cobra.Command{
	Use:   "create-stream NAME",
	Short: "Create a stream",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runClient(cmd, func(ctx context.Context, c *server.Client, _ *cli.Formatter) error {
			payload, err := c.Do(ctx, protocol.CreateStream{StreamID: streamIDFlag, Name: args[0]})
			if err != nil {
				return err
			}
			id, err := protocol.DecodeID(payload)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created stream %d %q\n", id, protocol.NormalizeName(args[0]))
			return nil
		})
	},
}

var createTopicCmd = &cobra.Command{
	Use:   "create-topic STREAM NAME",
	Short: "Create a topic in a stream (STREAM is an ID or a name)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		stream, err := protocol.ParseIdentifier(args[0])
		if err != nil {
			return err
		}
		create := protocol.CreateTopic{
			StreamID:          stream,
			TopicID:           topicIDFlag,
			PartitionsCount:   partitionsFlag,
			MessageExpiry:     expiryFlag,
			MaxTopicSize:      maxSizeFlag,
			ReplicationFactor: 1,
			Name:              args[1],
		}
		return runClient(cmd, func(ctx context.Context, c *server.Client, _ *cli.Formatter) error {
			payload, err := c.Do(ctx, create)
			if err != nil {
				return err
			}
			id, err := protocol.DecodeID(payload)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created topic %d %q with %d partition(s)\n",
				id, protocol.NormalizeName(args[1]), partitionsFlag)
			return nil
		})
	},
}

// =============================================================================
// MESSAGES
// =============================================================================

var sendCmd = &cobra.Command{
	Use:   "send STREAM TOPIC MESSAGE...",
	Short: "Send messages to a topic",
	Long: `Send one batch of messages. Without --partition or --key the broker
picks a partition round-robin.`,
	Args: cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		stream, topic, err := parseTopicArgs(args)
		if err != nil {
			return err
		}
		partitioning := protocol.BalancedPartitioning()
		switch {
		case sendPartitionFlag != 0 && keyFlag != "":
			return fmt.Errorf("--partition and --key are mutually exclusive")
		case sendPartitionFlag != 0:
			partitioning = protocol.PartitionID(sendPartitionFlag)
		case keyFlag != "":
			partitioning = protocol.MessagesKey([]byte(keyFlag))
		}

		messages := make([]protocol.Message, 0, len(args)-2)
		for _, body := range args[2:] {
			messages = append(messages, protocol.Message{ID: uuid.New(), Payload: []byte(body)})
		}

		return runClient(cmd, func(ctx context.Context, c *server.Client, f *cli.Formatter) error {
			payload, err := c.Do(ctx, protocol.SendMessages{
				StreamID:     stream,
				TopicID:      topic,
				Partitioning: partitioning,
				Messages:     messages,
			})
			if err != nil {
				return err
			}
			res, err := protocol.DecodeSendResult(payload)
			if err != nil {
				return err
			}
			return f.FormatSendResult(res)
		})
	},
}

var pollCmd = &cobra.Command{
	Use:   "poll STREAM TOPIC",
	Short: "Poll messages from one partition",
	Long: `Poll messages from one partition. By default polling starts at the
first retained message; --offset starts at an offset and --last returns the
newest --count messages.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		stream, topic, err := parseTopicArgs(args)
		if err != nil {
			return err
		}
		strategy := protocol.FirstStrategy()
		switch {
		case lastFlag && offsetFlag >= 0:
			return fmt.Errorf("--offset and --last are mutually exclusive")
		case lastFlag:
			strategy = protocol.LastStrategy()
		case offsetFlag >= 0:
			strategy = protocol.OffsetStrategy(uint64(offsetFlag))
		}

		return runClient(cmd, func(ctx context.Context, c *server.Client, f *cli.Formatter) error {
			payload, err := c.Do(ctx, protocol.PollMessages{
				StreamID:    stream,
				TopicID:     topic,
				PartitionID: pollPartitionFlag,
				Strategy:    strategy,
				Count:       countFlag,
			})
			if err != nil {
				return err
			}
			messages, err := protocol.DecodeMessages(payload)
			if err != nil {
				return err
			}
			return f.FormatMessages(messages)
		})
	},
}

func parseTopicArgs(args []string) (protocol.Identifier, protocol.Identifier, error) {
	stream, err := protocol.ParseIdentifier(args[0])
	if err != nil {
		return protocol.Identifier{}, protocol.Identifier{}, fmt.Errorf("invalid stream: %w", err)
	}
	topic, err := protocol.ParseIdentifier(args[1])
	if err != nil {
		return protocol.Identifier{}, protocol.Identifier{}, fmt.Errorf("invalid topic: %w", err)
	}
	return stream, topic, nil
}

func init() {
	clientCmds := []*cobra.Command{pingCmd, statsCmd, streamsCmd, createStreamCmd, createTopicCmd, sendCmd, pollCmd}
	for _, c := range clientCmds {
		c.Flags().StringVarP(&addressFlag, "address", "a", "",
			"Broker TCP address (defaults to tcp.address from the configuration)")
		c.Flags().DurationVar(&timeoutFlag, "timeout", 5*time.Second, "Request timeout")
		c.Flags().StringVarP(&outputFlag, "output", "o", "table", "Output format: table, json, yaml")
	}

	createStreamCmd.Flags().Uint32Var(&streamIDFlag, "id", 0, "Stream ID (0 assigns the next free ID)")

	createTopicCmd.Flags().Uint32Var(&topicIDFlag, "id", 0, "Topic ID (0 assigns the next free ID)")
	createTopicCmd.Flags().Uint32VarP(&partitionsFlag, "partitions", "p", 1, "Number of partitions")
	createTopicCmd.Flags().Uint32Var(&expiryFlag, "message-expiry", 0, "Message expiry in seconds (0 keeps messages forever)")
	createTopicCmd.Flags().Uint64Var(&maxSizeFlag, "max-size", 0, "Maximum topic size in bytes (0 is unlimited)")

	sendCmd.Flags().Uint32VarP(&sendPartitionFlag, "partition", "p", 0, "Target partition ID")
	sendCmd.Flags().StringVarP(&keyFlag, "key", "k", "", "Route by hashing this key")

	pollCmd.Flags().Uint32VarP(&pollPartitionFlag, "partition", "p", 1, "Partition ID")
	pollCmd.Flags().Int64Var(&offsetFlag, "offset", -1, "Start offset")
	pollCmd.Flags().BoolVar(&lastFlag, "last", false, "Poll the newest messages")
	pollCmd.Flags().Uint32VarP(&countFlag, "count", "n", 10, "Maximum number of messages")
}
