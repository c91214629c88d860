package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/harun/cadence/internal/observability"
	"github.com/harun/cadence/internal/tracing"
	"github.com/harun/cadence/pkg/llm"
)

// Verdict is the classifier decision.
type Verdict struct {
	IsQuestion bool   `json:"isQuestion"`
	Reply      string `json:"reply"`
}

// Classifier decides whether a message is a direct question.
type Classifier struct {
	client  llm.Client
	prompts Prompts
	logger  zerolog.Logger
}

// NewClassifier creates a classifier.
func NewClassifier(client llm.Client, prompts Prompts, logger zerolog.Logger) *Classifier {
	return &Classifier{client: client, prompts: prompts, logger: logger}
}

// Classify makes one blocking model call and parses its verdict.
func (c *Classifier) Classify(ctx context.Context, conv *ConversationContext) (v Verdict, err error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerName, "agent.classify")
	defer func() { tracing.EndSpan(span, err) }()

	req := conv.request(c.prompts.Classify, llm.Message{Role: llm.RoleUser, Content: conv.UserMessage})
	resp, err := c.client.Chat(ctx, req)
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: %w", ErrModelCall, err)
	}

	v, err = ParseVerdict(resp.Content)
	if err != nil {
		observability.RecordClassifierVerdict("invalid")
		return Verdict{}, err
	}

	label := "task"
	if v.IsQuestion {
		label = "question"
	}
	observability.RecordClassifierVerdict(label)
	logger := tracing.LoggerFromContext(ctx, c.logger)
	logger.Debug().Str("verdict", label).Msg("Message classified")
	return v, nil
}

type rawVerdict struct {
	IsQuestion    *bool   `json:"isQuestion"`
	IsQuestionAlt *bool   `json:"is_question"`
	Reply         *string `json:"reply"`
}

// ParseVerdict extracts the verdict object from model output that may be
// wrapped in code fences, prose or escape artifacts. It never guesses a
// default: unparseable output is an ErrClassification.
func ParseVerdict(raw string) (Verdict, error) {
	text := strings.TrimSpace(strings.TrimPrefix(raw, "\ufeff"))
	text = stripFences(text)

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return Verdict{}, fmt.Errorf("%w: no JSON object in %q", ErrClassification, excerpt(raw))
	}
	body := text[start : end+1]

	var rv rawVerdict
	if err := decodeVerdict(body, &rv); err != nil {
		return Verdict{}, fmt.Errorf("%w: %v in %q", ErrClassification, err, excerpt(raw))
	}

	isQuestion := rv.IsQuestion
	if isQuestion == nil {
		isQuestion = rv.IsQuestionAlt
	}
	if isQuestion == nil {
		return Verdict{}, fmt.Errorf("%w: missing isQuestion in %q", ErrClassification, excerpt(raw))
	}

	v := Verdict{IsQuestion: *isQuestion}
	if rv.Reply != nil {
		v.Reply = strings.TrimSpace(*rv.Reply)
	}
	if v.IsQuestion && v.Reply == "" {
		return Verdict{}, fmt.Errorf("%w: question without reply", ErrClassification)
	}
	return v, nil
}

// decodeVerdict retries with escape artifacts removed, such as
// {\"isQuestion\": true} or literal \n between tokens.
func decodeVerdict(body string, rv *rawVerdict) error {
	err := json.Unmarshal([]byte(body), rv)
	if err == nil {
		return nil
	}
	candidates := []string{
		strings.ReplaceAll(body, `\"`, `"`),
		strings.NewReplacer(`\"`, `"`, `\n`, " ", `\t`, " ", `\r`, " ").Replace(body),
	}
	for _, c := range candidates {
		if json.Unmarshal([]byte(c), rv) == nil {
			return nil
		}
	}
	return err
}

func stripFences(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	// drop the language tag line
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[i+1:]
	}
	if i := strings.LastIndex(text, "```"); i >= 0 {
		text = text[:i]
	}
	return strings.TrimSpace(text)
}

func excerpt(s string) string {
	const max = 120
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
