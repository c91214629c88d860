// Package agent turns one user utterance into a streamed answer.
//
// A turn walks a small state machine: classify, then either answer the
// question directly or decompose the instruction into subtasks, run the
// bounded reason/act loop and stream a polished answer.
//
// Invariants:
//   - States only move forward; the loop executor is the only cycle and it is
//     capped by MaxIterations.
//   - Every turn ends with exactly one terminal stream event, or a silent close
//     when the turn was cancelled.
//   - Messages are persisted only after their full content was captured.
//
// Usage:
//
//	coord, _ := agent.NewCoordinator(agent.Config{...})
//	conn, _ := coord.HandleMessage(ctx, agent.InboundMessage{
//		SessionID: "session:1",
//		Text:      "What's the capital of France?",
//	}, sink)
//	<-conn.Done()
package agent
