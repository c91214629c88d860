package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/harun/cadence/pkg/llm"
	"github.com/harun/cadence/pkg/sessionflag"
	"github.com/harun/cadence/pkg/stream"
)

// streamInto runs a streaming call, forwarding every token to conn as a text
// delta. Cancellation is checked before each token is forwarded; once the
// flag is cancelled or the connection is gone the stream is abandoned with
// ErrCancelled.
func streamInto(ctx context.Context, client llm.Client, req llm.Request, flag *sessionflag.Flag, conn *stream.Conn) (string, error) {
	var buf strings.Builder
	var final *llm.Response

	err := client.StreamChat(ctx, req, llm.StreamHandler{
		OnToken: func(token string) error {
			if flag.Cancelled() || !conn.Open() {
				return ErrCancelled
			}
			buf.WriteString(token)
			conn.Send(stream.TextDelta(token))
			return nil
		},
		OnComplete: func(resp *llm.Response) { final = resp },
	})
	if errors.Is(err, ErrCancelled) {
		return "", ErrCancelled
	}
	if err != nil {
		if flag.Cancelled() {
			return "", ErrCancelled
		}
		return "", fmt.Errorf("%w: %w", ErrModelCall, err)
	}

	text := buf.String()
	if text == "" && final != nil {
		text = final.Content
	}
	return text, nil
}

// cancelled is the checkpoint used between steps.
func cancelled(flag *sessionflag.Flag, conn *stream.Conn) bool {
	return flag.Cancelled() || !conn.Open()
}
