// Package engine ties graph building, scheduling and persistence together. It
// starts new runs, persists a state snapshot after every layer result so a
// halted run can be resumed, archives every layer's reports, and lets an
// operator acknowledge a HOLD.
package engine
