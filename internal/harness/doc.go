// Package harness runs conversation scenarios against the translation
// pipeline and checks what reached the queue.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: clarify_missing_motor
//	description: "A missing motor is asked for, then supplied"
//	whitelist: ../whitelist      # optional; built-in fixtures when empty
//	rate_limit: 2                # optional; submissions per minute
//	turns:
//	  - say: "scan det_a from 0 to 5 mm in 11 steps"
//	    expect:
//	      status: needs_clarification
//	      code: MISSING_REQUIRED_ARGUMENT
//	  - say: "use motor_x"
//	    expect:
//	      status: submitted
//	      args: { motor: motor_x, num: 11 }
//	  - ask: "what was the last scan?"
//	    expect:
//	      topic: last_run
//	      text_contains: "q-1"
//	assertions:
//	  - type: dispatch_count
//	    count: 1
//	  - type: dispatched
//	    plan: scan
//	    args: { stop: 5 }
//
// Each say turn carries the earlier say turns and their replies as
// conversation context; "fresh: true" starts a new conversation.
//
// # Assertion Types
//
//   - dispatch_count: exactly count plans reached the queue
//   - dispatch_order: the named plans reached the queue in this order
//   - dispatched: a dispatched plan matches plan and args (subset match)
//   - decision_count: the audit log holds count decisions, optionally only
//     accepted or rejected ones
//
// # Deterministic Runs
//
// Every scenario runs against an in-memory audit store with a manual clock
// that advances one second per turn, sequential request ids and a
// recording dispatcher that answers "q-1", "q-2" and so on. Traces are
// therefore byte-identical across runs and can be compared with golden
// files (see RunWithGolden).
package harness
