// Package harness orchestrates multi-agent integration scenarios against a
// conductor.
//
// An Orchestrator is configured once with a middleware chain, scenarios
// are registered without running, and Run executes each one in its own
// set of freshly provisioned instances:
//
//	o := harness.New(cond, harness.WithMiddleware(harness.Reporting(sink)))
//	o.Register("alice creates, bob reads", func(ctx context.Context, agents *harness.Agents, t *harness.T) error {
//	    alice, bob := agents.MustGet("alice"), agents.MustGet("bob")
//	    r := alice.CallSignature(ctx, signature.CreateCourse{Title: "course", Timestamp: 1})
//	    t.IsOk(r)
//	    if err := agents.Consistency(ctx); err != nil {
//	        return err
//	    }
//	    ...
//	}, harness.WithAgents("alice", "bob"))
//	report, err := o.Run(ctx, harness.RunOptions{})
//
// Every scenario ends up in the RunReport: passed, failed or skipped.
// Scenarios that record no assertions are flagged vacuous and fail the
// run's exit code.
//
// # Scenario Files
//
// Scenarios can also be written in YAML:
//
//	name: create_then_get
//	description: "bob reads the course alice created"
//	agents: [alice, bob]
//	steps:
//	  - agent: alice
//	    call: courses.create_course
//	    args: { title: "course for scenario 1", timestamp: 1 }
//	    expect: { case: ok, save: course }
//	  - consistency: true
//	  - agent: bob
//	    call: courses.get_entry
//	    args: { address: "${course}" }
//	    expect:
//	      case: ok
//	      fields: { title: "course for scenario 1" }
package harness
