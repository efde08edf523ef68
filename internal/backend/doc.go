// Package backend selects, per capability, the one implementation that will
// serve the process: launch, process statistics and fault propagation each
// have candidates registered as descriptors, queried at selection time.
package backend
