// Package graph validates workflow definitions into immutable layered graphs.
// A task may only depend on tasks in strictly earlier layers, so a valid
// graph is acyclic by construction and layers can be released in index order.
package graph
