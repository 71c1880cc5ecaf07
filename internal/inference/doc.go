// Package inference defines the boundary between the task runtime and the
// external model that classifies uploaded objects. The Classifier interface
// hides the provider (Gemini in production, a fake in tests) from the
// classification task.
package inference
