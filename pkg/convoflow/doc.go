// Package convoflow is a graph-based engine for multi-step LLM
// conversation workflows.
//
// A workflow is a directed graph of typed nodes. Build validates a
// Definition against a handler Registry and compiles it; Run executes
// it sequentially from the entry point until a terminal node, a clean
// halt awaiting more user input, or a failure.
//
// Handlers return a state Delta plus an explicit Outcome
// (Continue, ContinueTo, Halt, or Fail); control flow is never
// signalled through state fields. Router conditions are parsed once at
// build time into a closed set of variants, so no condition string is
// ever parsed during a run.
//
// The built-in handlers (model_invoke, router, slot_tracker, respond)
// sit on top of the governed prompt engine in the prompt subpackage,
// which handles versioned prompt resolution, budgets, truncation,
// sanitization, and circuit breaking.
//
// Basic usage:
//
//	reg := convoflow.NewRegistry()
//	convoflow.RegisterBuiltins(reg, svc)
//	wf, err := convoflow.Build(def, reg)
//	if err != nil {
//		return err
//	}
//	ctx := convoflow.NewContext(context.Background())
//	result, err := wf.Run(ctx, convoflow.RunState{
//		ConversationID: "conv-1",
//		UserInput:      "I want a refund",
//	})
package convoflow
