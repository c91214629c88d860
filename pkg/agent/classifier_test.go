package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/cadence/pkg/llm"
)

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Verdict
		wantErr bool
	}{
		{
			name: "plain object",
			raw:  `{"isQuestion": true, "reply": "Paris."}`,
			want: Verdict{IsQuestion: true, Reply: "Paris."},
		},
		{
			name: "task verdict without reply",
			raw:  `{"isQuestion": false}`,
			want: Verdict{IsQuestion: false},
		},
		{
			name: "fenced with language tag",
			raw:  "```json\n{\"isQuestion\": false, \"reply\": \"\"}\n```",
			want: Verdict{IsQuestion: false},
		},
		{
			name: "byte order mark and prose",
			raw:  "\ufeffSure, here you go: {\"isQuestion\": true, \"reply\": \"42\"} hope that helps",
			want: Verdict{IsQuestion: true, Reply: "42"},
		},
		{
			name: "escaped quotes",
			raw:  `{\"isQuestion\": true, \"reply\": \"Yes\"}`,
			want: Verdict{IsQuestion: true, Reply: "Yes"},
		},
		{
			name: "literal escape sequences between tokens",
			raw:  `{\n\"isQuestion\": false,\n\t\"reply\": \"\"\n}`,
			want: Verdict{IsQuestion: false},
		},
		{
			name: "snake case field",
			raw:  `{"is_question": true, "reply": "  trimmed  "}`,
			want: Verdict{IsQuestion: true, Reply: "trimmed"},
		},
		{
			name:    "missing isQuestion",
			raw:     `{"reply": "hello"}`,
			wantErr: true,
		},
		{
			name:    "not json",
			raw:     "I think this is a question.",
			wantErr: true,
		},
		{
			name:    "broken json",
			raw:     `{"isQuestion": tru}`,
			wantErr: true,
		},
		{
			name:    "question without reply",
			raw:     `{"isQuestion": true, "reply": " "}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseVerdict(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrClassification)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassifier_Classify(t *testing.T) {
	conv := &ConversationContext{SessionID: "s1", TurnID: "t1", UserMessage: "What is the capital of France?", Model: "m"}

	t.Run("should send the message with the classify prompt", func(t *testing.T) {
		client := &fakeClient{chats: []fakeReply{question("Paris.")}}
		c := NewClassifier(client, DefaultPrompts(), zerolog.Nop())

		v, err := c.Classify(context.Background(), conv)
		require.NoError(t, err)
		assert.Equal(t, Verdict{IsQuestion: true, Reply: "Paris."}, v)

		require.Len(t, client.chatReqs, 1)
		req := client.chatReqs[0]
		assert.Equal(t, DefaultPrompts().Classify, req.System)
		assert.Equal(t, "m", req.Model)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, llm.RoleUser, req.Messages[0].Role)
		assert.Equal(t, conv.UserMessage, req.Messages[0].Content)
	})

	t.Run("should wrap provider failures as model call errors", func(t *testing.T) {
		client := &fakeClient{chats: []fakeReply{{err: errors.New("boom")}}}
		c := NewClassifier(client, DefaultPrompts(), zerolog.Nop())

		_, err := c.Classify(context.Background(), conv)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrModelCall)
		assert.NotErrorIs(t, err, ErrClassification)
	})

	t.Run("should fail on unparseable output", func(t *testing.T) {
		client := &fakeClient{chats: []fakeReply{text("maybe?")}}
		c := NewClassifier(client, DefaultPrompts(), zerolog.Nop())

		_, err := c.Classify(context.Background(), conv)
		assert.ErrorIs(t, err, ErrClassification)
	})
}
