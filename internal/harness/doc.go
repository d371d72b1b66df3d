// Package harness runs order lifecycle scenarios against a real local store,
// order service and sync engine, with an in-memory remote standing in for
// the shared database.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: offline_then_drain
//	description: "An order taken offline reaches the remote after reconnect"
//	tenant: t1
//	tax_rate: "0.1"
//	seed:
//	  restaurant_tables:
//	    - { id: T1, tenant_id: t1, name: "Table 1", capacity: 4, status: Available }
//	flow:
//	  - do: go_offline
//	  - do: create_order
//	    as: o1
//	    args:
//	      order_type: TAKEAWAY
//	      items:
//	        - { menu_item_id: pizza, name: Pizza, quantity: 2, unit_price: 8 }
//	    expect:
//	      outcome: ok
//	      result: { status: NEW, total: 17.6 }
//	  - do: drain
//	assertions:
//	  - type: remote_state
//	    collection: orders
//	    id: o1
//	    expect: { status: NEW }
//
// Seed records go to the remote; the terminal's table cache is then warmed
// from it the way a running terminal would. A step's "as" names the order it
// creates so later steps and assertions can refer to it by that alias.
//
// # Steps
//
//   - create_order, advance, settle, cancel: order service operations
//   - drain: one pass of the sync engine
//   - go_offline, go_online: toggle remote reachability
//   - tick: advance the clock (args: { by: 2s }) so backed-off jobs become ready
//
// # Assertion Types
//
//   - trace_contains: a step ran with matching args
//   - trace_order: steps ran in the given order
//   - trace_count: a step ran exactly N times
//   - remote_state: a remote record has the expected fields
//   - local_state: a locally cached record has the expected fields
//   - queue_depth: the pending queue holds exactly N jobs
//
// # Deterministic Testing
//
// Every run uses a fresh in-memory SQLite store, a manual clock starting at
// testutil.Epoch and sequential ids, so traces are identical across runs and
// can be compared against golden files.
package harness
