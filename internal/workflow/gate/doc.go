// Package gate decides whether a completed layer may advance. Evaluate is a
// pure function from the layer's task outcomes, reports, syntheses and the
// prior checkpoint of the same metric family to a checkpoint record carrying
// PROCEED, HOLD or RERUN plus the rationale behind it. Ties at a threshold
// resolve to the stricter outcome.
package gate
