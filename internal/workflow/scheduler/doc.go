// Package scheduler drives a validated workflow graph layer by layer. Each
// layer's tasks run under the layer's strategy, review groups are synthesized,
// the gate judges the outcome and the decision is appended to the checkpoint
// log before the next layer is released. Results stream to the caller as
// LayerResult values.
package scheduler
