package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/cadence/internal/observability"
	"github.com/harun/cadence/internal/tracing"
	"github.com/harun/cadence/pkg/commandqueue"
	"github.com/harun/cadence/pkg/llm"
	"github.com/harun/cadence/pkg/sessionflag"
	"github.com/harun/cadence/pkg/store"
	"github.com/harun/cadence/pkg/stream"
)

// TurnLane is the command queue lane turns run on.
const TurnLane = "turns"

// queueWarnAfter logs turns that wait this long for a free lane slot.
const queueWarnAfter = 5 * time.Second

// Config holds coordinator dependencies.
type Config struct {
	Client    llm.Client
	Tools     ToolGateway
	Store     store.Store
	Registry  sessionflag.Registry
	Queue     *commandqueue.CommandQueue
	Transport *stream.Transport
	Prompts   *Prompts
	Defaults  Defaults
	// MaxIterations caps the reason/act loop, default 30.
	MaxIterations int
	// TurnTimeout bounds the background work of one turn. Zero disables it.
	TurnTimeout time.Duration
	Logger      zerolog.Logger
}

type stageFunc func(ctx context.Context, t *turn) (State, error)

// turn bundles what the stages of one turn share.
type turn struct {
	wf     *WorkflowContext
	flag   *sessionflag.Flag
	conn   *stream.Conn
	logger zerolog.Logger
	// streamed is set once the answer went out as text deltas.
	streamed bool
}

// Coordinator runs turns in the background and streams their events.
type Coordinator struct {
	client      llm.Client
	tools       ToolGateway
	store       store.Store
	registry    sessionflag.Registry
	queue       *commandqueue.CommandQueue
	transport   *stream.Transport
	defaults    Defaults
	turnTimeout time.Duration
	logger      zerolog.Logger

	classifier *Classifier
	decomposer *Decomposer
	loop       *LoopExecutor
	stages     map[State]stageFunc
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	observability.EnsureRegistered()

	if cfg.Client == nil {
		return nil, errors.New("model client is required")
	}
	if cfg.Tools == nil {
		return nil, errors.New("tool gateway is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("session registry is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("command queue is required")
	}
	if cfg.Transport == nil {
		cfg.Transport = stream.NewTransport(stream.TransportConfig{Logger: cfg.Logger})
	}
	prompts := DefaultPrompts()
	if cfg.Prompts != nil {
		prompts = *cfg.Prompts
	}
	logger := cfg.Logger.With().Str("component", "agent").Logger()

	c := &Coordinator{
		client:      cfg.Client,
		tools:       cfg.Tools,
		store:       cfg.Store,
		registry:    cfg.Registry,
		queue:       cfg.Queue,
		transport:   cfg.Transport,
		defaults:    cfg.Defaults,
		turnTimeout: cfg.TurnTimeout,
		logger:      logger,
		classifier:  NewClassifier(cfg.Client, prompts, logger),
		decomposer:  NewDecomposer(cfg.Client, prompts, logger),
		loop: NewLoopExecutor(LoopConfig{
			Client:        cfg.Client,
			Tools:         cfg.Tools,
			Store:         cfg.Store,
			Prompts:       prompts,
			MaxIterations: cfg.MaxIterations,
			Logger:        logger,
		}),
	}
	c.stages = map[State]stageFunc{
		StateClassify:  c.classify,
		StateDecompose: c.decompose,
		StateExecute:   c.execute,
		StatePolish:    c.polish,
	}
	return c, nil
}

// HandleMessage starts a turn for msg and returns its live connection. The
// turn runs on the command queue; the caller never waits for model output.
func (c *Coordinator) HandleMessage(ctx context.Context, msg InboundMessage, sink stream.Sink) (*stream.Conn, error) {
	if sink == nil {
		return nil, errors.New("stream sink is required")
	}
	if strings.TrimSpace(msg.SessionID) == "" {
		return nil, errors.New("session id is required")
	}
	if strings.TrimSpace(msg.Text) == "" {
		return nil, errors.New("message text is required")
	}

	turnID := tracing.NewTurnID()
	turnCtx := tracing.NewTurnContext(tracing.Detach(ctx), msg.SessionID, turnID)
	logger := tracing.LoggerFromContext(turnCtx, c.logger)

	conv := c.conversation(msg, turnID)
	conn := c.transport.NewConnection(sink, msg.SessionID, turnID)
	flag := c.registry.Start(turnCtx, msg.SessionID)

	t := &turn{wf: newWorkflow(conv), flag: flag, conn: conn, logger: logger}
	err := c.queue.Submit(turnCtx, TurnLane, func(taskCtx context.Context) error {
		return c.run(taskCtx, t)
	}, &commandqueue.TaskOptions{
		WarnAfter: queueWarnAfter,
		OnReject:  func(err error) { c.reject(t, err) },
	})
	if err != nil {
		c.registry.Clear(flag)
		conn.Fail(err)
		return nil, fmt.Errorf("failed to schedule turn: %w", err)
	}

	logger.Info().Str("conversation_id", conv.ConversationID).Msg("Turn started")
	observability.RecordSessionAudit(turnCtx, "turn_started", msg.SessionID, "success", map[string]interface{}{
		"turn_id": turnID,
	})
	return conn, nil
}

// Abort signals the active turn of sessionID to stop.
func (c *Coordinator) Abort(sessionID string) bool {
	aborted := c.registry.Cancel(sessionID)
	if aborted {
		c.logger.Info().Str("session_key", sessionID).Msg("Turn aborted")
		observability.RecordSessionAudit(context.Background(), "abort", sessionID, "success", nil)
	}
	return aborted
}

// ActiveSessions lists sessions with a running turn.
func (c *Coordinator) ActiveSessions() []string {
	return c.registry.Active()
}

// Tools lists the tools a turn may use.
func (c *Coordinator) Tools() []string {
	return c.tools.ListAvailableTools()
}

func (c *Coordinator) conversation(msg InboundMessage, turnID string) *ConversationContext {
	d := c.defaults
	conv := &ConversationContext{
		SessionID:      msg.SessionID,
		UserID:         msg.UserID,
		ConversationID: msg.ConversationID,
		TurnID:         turnID,
		UserMessage:    strings.TrimSpace(msg.Text),
		Provider:       d.Provider,
		Model:          d.Model,
		Temperature:    d.Temperature,
		TopP:           d.TopP,
		ContextWindow:  d.ContextWindow,
		MaxTokens:      d.MaxTokens,
		Tools:          d.Tools,
	}
	if conv.ConversationID == "" {
		conv.ConversationID = msg.SessionID
	}
	if msg.Model != "" {
		conv.Model = msg.Model
	}
	if msg.Tools != nil {
		conv.Tools = msg.Tools
	}
	if conv.Tools == nil {
		conv.Tools = c.tools.ListAvailableTools()
	}
	return conv
}

// run drives the state machine and performs the turn cleanup.
func (c *Coordinator) run(ctx context.Context, t *turn) (err error) {
	if c.turnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.turnTimeout)
		defer cancel()
	}
	ctx, span := tracing.StartSpan(ctx, tracing.TracerName, "agent.turn",
		attribute.String("session_key", t.wf.Conv.SessionID),
		attribute.String("turn_id", t.wf.Conv.TurnID),
	)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("turn panicked: %v", r)
		}
		outcome := c.finish(t, err)
		observability.RecordTurn(outcome, time.Since(start))
		if outcome == "error" {
			tracing.EndSpan(span, err)
		} else {
			tracing.EndSpan(span, nil)
		}
	}()

	wf := t.wf
	for wf.State != StateDone && !wf.Break {
		if cancelled(t.flag, t.conn) {
			return ErrCancelled
		}
		stage, ok := c.stages[wf.State]
		if !ok {
			return fmt.Errorf("no handler for state %s", wf.State)
		}

		t.conn.SetStage(wf.State.String())
		t.logger.Debug().Str("stage", wf.State.String()).Msg("Stage started")

		next, err := stage(ctx, t)
		if err != nil {
			return err
		}
		if next <= wf.State && next != StateDone {
			return fmt.Errorf("invalid transition %s -> %s", wf.State, next)
		}
		wf.State = next
	}
	return nil
}

// reject finishes a turn the queue dropped before it started.
func (c *Coordinator) reject(t *turn, err error) {
	outcome := c.finish(t, fmt.Errorf("turn not started: %w", err))
	observability.RecordTurn(outcome, 0)
}

// finish clears the session and closes the connection exactly once.
func (c *Coordinator) finish(t *turn, err error) string {
	c.registry.Clear(t.flag)

	switch {
	case errors.Is(err, ErrCancelled) || (err != nil && t.flag.Cancelled()):
		t.conn.Close()
	case err != nil:
		if t.conn.Fail(err) {
			t.logger.Error().Err(err).Msg("Turn failed")
			return "error"
		}
	default:
		if t.conn.SendFinal(stream.End(t.endText())) {
			t.logger.Info().Msg("Turn completed")
			return "success"
		}
	}

	// whoever closed the connection first has finished by now
	<-t.conn.Done()
	if t.conn.TimedOut() {
		t.logger.Warn().Msg("Turn timed out")
		return "timeout"
	}
	t.logger.Info().Msg("Turn cancelled")
	return "cancelled"
}

// endText is the answer carried by the end event when it was not streamed.
func (t *turn) endText() string {
	if t.streamed {
		return ""
	}
	answer, _ := t.wf.Results[ResultAnswer].(string)
	return answer
}

func (c *Coordinator) classify(ctx context.Context, t *turn) (State, error) {
	conv := t.wf.Conv
	verdict, err := c.classifier.Classify(ctx, conv)
	if err != nil {
		return StateDone, err
	}
	t.wf.Results[ResultClassification] = verdict

	if !verdict.IsQuestion {
		return StateDecompose, nil
	}
	if cancelled(t.flag, t.conn) {
		return StateDone, ErrCancelled
	}

	t.wf.UserMessage = conv.message(store.RoleUser, conv.UserMessage)
	t.wf.AssistantMessage = conv.message(store.RoleAssistant, verdict.Reply)
	if err := c.persistPair(ctx, t.wf); err != nil {
		return StateDone, err
	}

	t.wf.Results[ResultAnswer] = verdict.Reply
	t.wf.Break = true
	return StateDone, nil
}

func (c *Coordinator) decompose(ctx context.Context, t *turn) (State, error) {
	conv := t.wf.Conv
	instruction := conv.UserMessage

	text, err := c.decomposer.Decompose(ctx, conv, t.flag, t.conn)
	if err != nil {
		return StateDone, err
	}
	t.wf.Results[ResultDecomposition] = text

	descriptions := SegmentSubtasks(text)
	observability.RecordSubtasksPlanned(len(descriptions))
	if len(descriptions) == 0 {
		return StateDone, ErrNoSubtasks
	}
	if cancelled(t.flag, t.conn) {
		return StateDone, ErrCancelled
	}

	parent, err := c.store.CreateTask(ctx, instruction, conv.conversation())
	if err != nil {
		return StateDone, fmt.Errorf("failed to create task: %w", err)
	}
	for i, d := range descriptions {
		task, err := c.store.CreateSubtask(ctx, d, parent.ID, conv.conversation())
		if err != nil {
			return StateDone, fmt.Errorf("failed to create subtask %d: %w", i+1, err)
		}
		t.wf.Subtasks = append(t.wf.Subtasks, SubtaskDescriptor{
			Description:  d,
			TaskID:       task.ID,
			ParentTaskID: parent.ID,
			Position:     task.Position,
		})
	}

	t.wf.UserMessage = conv.message(store.RoleUser, instruction)
	t.wf.AssistantMessage = conv.message(store.RoleAssistant, text)
	t.wf.AssistantMessage.Metadata["stage"] = StateDecompose.String()
	if err := c.persistPair(ctx, t.wf); err != nil {
		return StateDone, err
	}

	conv.UserMessage = renderPlan(instruction, t.wf.Subtasks)
	t.logger.Info().Int("subtasks", len(t.wf.Subtasks)).Msg("Instruction decomposed")
	return StateExecute, nil
}

func (c *Coordinator) execute(ctx context.Context, t *turn) (State, error) {
	result, err := c.loop.Run(ctx, t.wf.Conv, t.flag, t.conn)
	observability.RecordLoop(result.Iterations, result.CapReached)
	t.wf.Results[ResultTranscript] = result.Transcript
	if err != nil {
		return StateDone, err
	}
	if result.Cancelled {
		return StateDone, ErrCancelled
	}
	if result.CapReached {
		t.conn.Send(stream.Warning(fmt.Sprintf("iteration cap of %d reached with tool calls pending", result.Iterations)))
		t.logger.Warn().Int("iterations", result.Iterations).Msg("Loop iteration cap reached")
	}
	return StatePolish, nil
}

func (c *Coordinator) polish(ctx context.Context, t *turn) (State, error) {
	transcript, _ := t.wf.Results[ResultTranscript].(Transcript)
	text, err := c.loop.Polish(ctx, t.wf.Conv, transcript, t.flag, t.conn)
	if err != nil {
		return StateDone, err
	}
	t.streamed = true

	msg := t.wf.Conv.message(store.RoleAssistant, text)
	msg.Status = store.StatusComplete
	msg.Metadata["stage"] = StatePolish.String()
	if err := c.store.SaveMessage(ctx, msg); err != nil {
		return StateDone, fmt.Errorf("failed to persist answer: %w", err)
	}
	if err := c.store.UpdateConversationContext(ctx, t.wf.Conv.conversation(), msg.ID); err != nil {
		return StateDone, fmt.Errorf("failed to update conversation: %w", err)
	}

	t.wf.AssistantMessage = msg
	t.wf.Results[ResultAnswer] = text
	return StateDone, nil
}

// persistPair saves the workflow's user and assistant messages and appends
// them to the conversation context.
func (c *Coordinator) persistPair(ctx context.Context, wf *WorkflowContext) error {
	msgs := []*store.Message{wf.UserMessage, wf.AssistantMessage}
	if err := c.store.SaveMessages(ctx, msgs); err != nil {
		return fmt.Errorf("failed to persist messages: %w", err)
	}
	if err := c.store.UpdateConversationContext(ctx, wf.Conv.conversation(), wf.UserMessage.ID, wf.AssistantMessage.ID); err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	return nil
}
