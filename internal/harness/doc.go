// Package harness runs scripted pipeline scenarios end to end.
//
// A scenario declares a registry, a script of tool outcomes per unit and a
// sequence of pipeline runs. The harness builds a throwaway repository,
// drives engine.Pipeline through the real tool adapter with a scripted
// invoker, and checks the resulting ledger, invocation counts, backoff
// waits and files against the scenario's assertions.
//
// # Scenario Format
//
//	name: retry_then_aggregate
//	description: "A transient failure is retried and the report still runs"
//	date: "2025-11-14"
//	backend: tsv
//	units:
//	  - prompt_id: news
//	    title: Daily news
//	    wave: search
//	    category: news
//	    expected_outputs: news.md
//	    max_retries: 2
//	tool:
//	  news:
//	    - exit_code: 1
//	      stderr: "HTTP 429 Too Many Requests"
//	    - exit_code: 0
//	runs:
//	  - waves: [search, aggregator]
//	    expect:
//	      completed: [news]
//	assertions:
//	  - type: invocations
//	    unit: news
//	    count: 2
//	  - type: backoffs
//	    unit: news
//	    durations: ["30s"]
//
// Tool scripts are consumed one outcome per attempt; once exhausted the last
// outcome repeats. Units without a script always succeed.
//
// # Assertion Types
//
//   - ledger_count: number of ledger entries, optionally for one unit and
//     one success value
//   - invocations: number of tool attempts made for a unit
//   - backoffs: exact backoff waits requested for a unit
//   - dependencies: the dependent inputs recorded on a unit's last entry
//   - output_exists: whether a unit's output file exists after the runs
//
// # Deterministic Testing
//
// Every clock is a testutil.FakeClock fixed at 06:00 UTC on the scenario
// date, backoff timers fire immediately, and run ids are numbered
// "<run_id>-1", "<run_id>-2" in run order. Paths in results are relative to
// the scenario repository, so snapshots compare byte for byte with goldie.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/retry.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, msg := range result.Errors {
//	        log.Println(msg)
//	    }
//	}
package harness
