package agent

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Prompts holds the instruction templates of each stage. Templates may use
// the {instruction} and {transcript} placeholders.
type Prompts struct {
	Classify  string `yaml:"classify"`
	Decompose string `yaml:"decompose"`
	Reason    string `yaml:"reason"`
	Polish    string `yaml:"polish"`
}

// DefaultPrompts returns the built-in templates.
func DefaultPrompts() Prompts {
	return Prompts{
		Classify: `You route user messages. Decide whether the message is a question that can be answered directly, or a task that needs several steps and tool use.
Respond with JSON only, no prose: {"isQuestion": true|false, "reply": "<the full answer when isQuestion is true, otherwise an empty string>"}`,
		Decompose: `Break the following instruction into a short numbered list of concrete subtasks, one per line, formatted as "1. ...", "2. ...". Do not add anything else.

Instruction:
{instruction}`,
		Reason: `{instruction}

Work through the plan step by step. Before every tool call, explain your reasoning in a sentence or two. When no further tool calls are needed, reply with your findings.`,
		Polish: `The user asked:
{instruction}

Below is the transcript of the work done so far, including tool calls and their results:
{transcript}

Write a clean, user-facing answer based on this work. Do not mention the transcript or tool call mechanics.`,
	}
}

// LoadPrompts reads a YAML prompt file. Missing keys keep their defaults.
func LoadPrompts(path string) (Prompts, error) {
	prompts := DefaultPrompts()
	if path == "" {
		return prompts, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return prompts, fmt.Errorf("failed to read prompts file: %w", err)
	}

	var override Prompts
	if err := yaml.Unmarshal(data, &override); err != nil {
		return prompts, fmt.Errorf("failed to parse prompts file: %w", err)
	}

	if override.Classify != "" {
		prompts.Classify = override.Classify
	}
	if override.Decompose != "" {
		prompts.Decompose = override.Decompose
	}
	if override.Reason != "" {
		prompts.Reason = override.Reason
	}
	if override.Polish != "" {
		prompts.Polish = override.Polish
	}
	return prompts, nil
}

func render(template, instruction, transcript string) string {
	return strings.NewReplacer(
		"{instruction}", instruction,
		"{transcript}", transcript,
	).Replace(template)
}
