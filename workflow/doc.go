// Package workflow defines the immutable task-graph model, the variable
// resolver for @NAME@ / @<id>_stdout@ tokens, the condition expression
// evaluator, and the mutable execution state shared by the engine.
package workflow
