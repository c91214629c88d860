// Package commandqueue runs tasks in named lanes with per-lane concurrency
// limits.
//
// Invariants:
//   - Tasks in the same lane start in FIFO order.
//   - At most the lane's concurrency limit of tasks run at once.
//   - Tasks in different lanes may execute concurrently.
//   - An accepted task either runs or, when the queue closes first, has its
//     OnReject hook called.
//
// Usage:
//
//	queue := commandqueue.New(commandqueue.Config{Lanes: map[string]int{"turns": 4}})
//	defer queue.Close()
//	queue.Submit(ctx, "turns", runTurn, &commandqueue.TaskOptions{
//		OnReject: func(err error) { abortTurn(err) },
//	})
package commandqueue
