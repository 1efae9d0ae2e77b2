package engine

// Internal task names. These run through the same dispatch pipeline as user
// tasks; their handlers advance containers instead of doing user work.
const (
	TaskChainEnd   = "mageflow.chain.end"
	TaskChainError = "mageflow.chain.error"

	TaskSwarmStart      = "mageflow.swarm.start"
	TaskSwarmFill       = "mageflow.swarm.fill"
	TaskSwarmItemRun    = "mageflow.swarm.item.run"
	TaskSwarmItemDone   = "mageflow.swarm.item.done"
	TaskSwarmItemFailed = "mageflow.swarm.item.failed"
)

// Identifier keys threaded through Job.Identifiers and signature
// TaskIdentifiers so internal handlers can find their container.
const (
	IdentSwarmKey = "swarm_key"
	IdentChainKey = "chain_key"
	IdentItemKey  = "item_key"
)

// IsInternalTask reports whether the name belongs to the orchestration layer
// rather than user code.
func IsInternalTask(name string) bool {
	switch name {
	case TaskChainEnd, TaskChainError,
		TaskSwarmStart, TaskSwarmFill,
		TaskSwarmItemRun, TaskSwarmItemDone, TaskSwarmItemFailed:
		return true
	}
	return false
}
