package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/harun/cadence/internal/tracing"
	"github.com/harun/cadence/pkg/llm"
	"github.com/harun/cadence/pkg/sessionflag"
	"github.com/harun/cadence/pkg/stream"
)

var (
	numberedMarker = regexp.MustCompile(`^\s*(?:\*\*)?(\d+)[.)、:](?:\*\*)?\s+(.*)$`)
	labeledMarker  = regexp.MustCompile(`(?i)^\s*(?:#+\s*)?(?:\*\*)?(?:task|step|subtask)\s*#?\d+(?:\*\*)?\s*[:.)\-]?(?:\*\*)?\s*(.*)$`)
)

// Decomposer streams a plan for an instruction and splits it into subtasks.
type Decomposer struct {
	client  llm.Client
	prompts Prompts
	logger  zerolog.Logger
}

// NewDecomposer creates a decomposer.
func NewDecomposer(client llm.Client, prompts Prompts, logger zerolog.Logger) *Decomposer {
	return &Decomposer{client: client, prompts: prompts, logger: logger}
}

// Decompose streams the plan to conn and returns the full text.
func (d *Decomposer) Decompose(ctx context.Context, conv *ConversationContext, flag *sessionflag.Flag, conn *stream.Conn) (text string, err error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerName, "agent.decompose")
	defer func() { tracing.EndSpan(span, err) }()

	instruction := render(d.prompts.Decompose, conv.UserMessage, "")
	req := conv.request("", llm.Message{Role: llm.RoleUser, Content: instruction})
	return streamInto(ctx, d.client, req, flag, conn)
}

// SegmentSubtasks splits plan text into subtasks. A subtask starts at a
// numbered line ("1.", "2)", "3:") or a labeled one ("Step 2", "Task #3");
// other non-blank lines continue the open subtask. Text before the first
// marker is ignored.
func SegmentSubtasks(text string) []string {
	var subtasks []string
	var current *strings.Builder

	flush := func() {
		if current == nil {
			return
		}
		if s := strings.TrimSpace(current.String()); s != "" {
			subtasks = append(subtasks, s)
		}
		current = nil
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if m := numberedMarker.FindStringSubmatch(line); m != nil {
			flush()
			current = &strings.Builder{}
			current.WriteString(strings.TrimSpace(m[2]))
			continue
		}
		if m := labeledMarker.FindStringSubmatch(line); m != nil {
			flush()
			current = &strings.Builder{}
			current.WriteString(strings.TrimSpace(m[1]))
			continue
		}
		if current == nil || strings.TrimSpace(line) == "" {
			continue
		}
		if current.Len() > 0 {
			current.WriteString("\n")
		}
		current.WriteString(strings.TrimSpace(line))
	}
	flush()
	return subtasks
}

// renderPlan folds the subtasks into the instruction the loop executes.
func renderPlan(instruction string, subtasks []SubtaskDescriptor) string {
	var sb strings.Builder
	sb.WriteString(instruction)
	sb.WriteString("\n\nPlan:\n")
	for i, s := range subtasks {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, s.Description)
	}
	return strings.TrimRight(sb.String(), "\n")
}
