// Package hpo drives an external hyperparameter-optimization service from the
// client side: fetch a trial's parameters, score them locally, report the
// score, repeat.
//
// # Reading Guide
//
//   - controller.go: the trial loop state machine (AwaitingTrial → Evaluating →
//     SubmittingScore → Finalizing → Done) and its run Report
//   - client.go: the three protocol operations (RequestTrial, SubmitScore,
//     RequestBest), endpoint construction and response validation
//   - retry/: bounded retry with jittered exponential backoff, shared by every
//     operation
//   - params.go: the ordered, read-only parameter set received from the service
//
// # Failure model
//
// Transient failures (transport errors, non-200 statuses, malformed bodies)
// are retried by the policy in hpo/retry. When attempts run out the operation
// returns an error matching retry.ErrExhausted, which the Controller treats as
// an ordinary end of the loop. Only ErrStudyMismatch and
// ErrRequestConstruction abort a run.
//
// The protocol is strictly sequential: one request in flight, one evaluation
// at a time. Several Controllers may run side by side; they share nothing.
package hpo
