// Package gemini implements inference.Classifier with Google's Gemini API.
//
// Each call is rate limited, guarded by a circuit breaker, and retried with
// exponential backoff and jitter while the failure is transient. Responses
// are JSON objects with a label and a score in [0, 1].
package gemini
