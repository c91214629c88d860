package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/harun/cadence/internal/daemon"
	"github.com/harun/cadence/pkg/agent"
	"github.com/harun/cadence/pkg/stream"
)

var (
	askSession string
	askModel   string
	askTools   []string
	askVerbose bool
)

var askCmd = &cobra.Command{
	Use:   "ask <message>",
	Short: "Run one turn locally and print the streamed answer",
	Long: `Run a single turn in-process, without the gateway, and print the
answer as it streams. Reuse --session to continue a conversation when the
sqlite store is configured.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVar(&askSession, "session", "", "session id (default is a new id)")
	askCmd.Flags().StringVar(&askModel, "model", "", "model override for this turn")
	askCmd.Flags().StringSliceVar(&askTools, "tools", nil, "tools the turn may use (default from config)")
	askCmd.Flags().BoolVarP(&askVerbose, "verbose", "v", false, "mark the end of the turn")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	text := strings.TrimSpace(strings.Join(args, " "))
	if text == "" {
		return errors.New("message is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	defer d.Close()

	session := askSession
	if session == "" {
		session = "cli-" + uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runTurn(ctx, d.Coordinator(), agent.InboundMessage{
		SessionID: session,
		UserID:    "cli",
		Text:      text,
		Model:     askModel,
		Tools:     askTools,
	}, cmd.OutOrStdout(), askVerbose)
}

type turnHandler interface {
	HandleMessage(ctx context.Context, msg agent.InboundMessage, sink stream.Sink) (*stream.Conn, error)
}

// runTurn streams one turn to out. It returns the turn's error event as an
// error; cancelling ctx closes the stream, which aborts the turn.
func runTurn(ctx context.Context, h turnHandler, msg agent.InboundMessage, out io.Writer, verbose bool) error {
	sink := &outcomeSink{next: stream.NewWriterSink(out, verbose)}
	conn, err := h.HandleMessage(ctx, msg, sink)
	if err != nil {
		return err
	}

	select {
	case <-conn.Done():
	case <-ctx.Done():
		conn.Close()
		return ctx.Err()
	}
	return sink.err()
}

// outcomeSink remembers the error event of a turn.
type outcomeSink struct {
	next    stream.Sink
	mu      sync.Mutex
	failure string
}

func (s *outcomeSink) Write(ev stream.Event) error {
	if ev.Kind == stream.KindError {
		s.mu.Lock()
		s.failure = ev.Error
		s.mu.Unlock()
	}
	return s.next.Write(ev)
}

func (s *outcomeSink) Close() error { return s.next.Close() }

func (s *outcomeSink) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure == "" {
		return nil
	}
	return fmt.Errorf("turn failed: %s", s.failure)
}
