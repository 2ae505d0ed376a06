// Package service assembles the intake and worker processes from a loaded
// configuration.
//
// Intake owns the HTTP server and a publisher connection to the broker.
// Worker owns the consumer connection, the workspace manager with its
// optional sweep scheduler and the optional task ledger:
//
//	Consumer --delivery--> worker.Handle --> Executor --> checks
//	    ^                       |               |
//	    +------ack/nack---------+           Workspace (clone, cleanup)
//	                            |
//	                      CallbackClient --POST--> callback_url
//
// Both run until their context is canceled. A Worker finishes the job in
// flight before Run returns.
package service
