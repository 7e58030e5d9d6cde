// Package event provides a synchronous pub-sub bus that carries progress
// events from the orchestrator, session manager and layout engine to
// whoever renders status (the CLI) without either side importing the other.
//
// # Event Categories
//
//   - [SessionStateEvent]: session.state, a Session state transition
//   - [LayoutStateEvent]: layout.state, a Layout Engine state transition
//   - [BranchEvent]: branch.ready / branch.failed, the outcome of one branch
//   - [StageEvent]: run.stage, the orchestrator entered a stage
//   - [CleanupEvent]: cleanup.result, one worktree removal attempt
//
// # Thread Safety
//
// [Bus] is safe for concurrent use. Handlers run synchronously on the
// publishing goroutine and a panicking handler does not stop delivery to
// the others.
//
// # Basic Usage
//
//	bus := event.NewBus(logger)
//	bus.Subscribe(event.TypeSessionState, func(e event.Event) {
//	    s := e.(event.SessionStateEvent)
//	    fmt.Println(s.SessionID, s.From, "->", s.To)
//	})
//	bus.Publish(event.NewSessionStateEvent("id", "bootstrapping", "active"))
package event
