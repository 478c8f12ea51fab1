// Package ids implements the identifier shapes and allocation counters
// described in the data model: node ids, tuplespace ids, process ids and
// thread ids are all textual, classified by shape alone, with ownership
// recovered from the leading node field.
package ids

import (
	"fmt"
	"strconv"
	"strings"
)

// FounderNode is the node id every peer aliases when it addresses "node 0":
// the node that started the mesh. The original implementation used 0 as a
// bootstrap wildcard for "whatever node I'm talking to"; for the founder
// that is always node 1, so ResolveNode folds 0 into 1 rather than treating
// it as a distinct routable id.
const FounderNode = 1

// Universal is the distinguished tuplespace id that is always live, never
// garbage collected and never deadlocked.
const Universal = "0:0"

// ResolveNode maps the special alias 0 to the founder node, leaving every
// other node id unchanged.
func ResolveNode(node int) int {
	if node == 0 {
		return FounderNode
	}
	return node
}

// IsNodeID reports whether s looks like a non-negative integer node id
// (0 included, as the founder alias).
func IsNodeID(s string) bool {
	n, err := strconv.Atoi(s)
	return err == nil && n >= 0
}

// IsTupleSpaceID reports whether s has the "<node>:<seq>" shape.
func IsTupleSpaceID(s string) bool {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return false
	}
	return isNonNegInt(parts[0]) && isNonNegInt(parts[1])
}

// IsProcessID reports whether s has the "<node>!<seq>" shape.
func IsProcessID(s string) bool {
	parts := strings.Split(s, "!")
	if len(parts) != 2 {
		return false
	}
	return isNonNegInt(parts[0]) && isNonNegInt(parts[1])
}

// IsThreadID reports whether s has the "<node>!<seq>!<tseq>" shape.
func IsThreadID(s string) bool {
	parts := strings.Split(s, "!")
	if len(parts) != 3 {
		return false
	}
	return isNonNegInt(parts[0]) && isNonNegInt(parts[1]) && isNonNegInt(parts[2])
}

func isNonNegInt(s string) bool {
	n, err := strconv.Atoi(s)
	return err == nil && n >= 0
}

// GetNodeFromTupleSpace, GetNodeFromProcess and GetNodeFromThread recover the
// owning node id from an id of the matching shape. They panic on malformed
// input: callers are expected to have validated shape with the Is* helpers
// first, exactly like the rest of the dispatch table does for every other
// opcode argument.
func GetNodeFromTupleSpace(ts string) int {
	return mustNode(strings.SplitN(ts, ":", 2))
}

func GetNodeFromProcess(pid string) int {
	return mustNode(strings.SplitN(pid, "!", 2))
}

func GetNodeFromThread(tid string) int {
	parts := strings.SplitN(tid, "!", 3)
	return mustNode(parts)
}

// ProcessOf returns the process-id prefix of a thread id.
func ProcessOf(tid string) string {
	parts := strings.SplitN(tid, "!", 3)
	if len(parts) != 3 {
		panic(fmt.Sprintf("ids: %q is not a thread id", tid))
	}
	return parts[0] + "!" + parts[1]
}

func mustNode(parts []string) int {
	if len(parts) < 2 {
		panic(fmt.Sprintf("ids: malformed id parts %v", parts))
	}
	n, err := strconv.Atoi(parts[0])
	if err != nil {
		panic(fmt.Sprintf("ids: malformed node field %q", parts[0]))
	}
	return n
}

// NewTupleSpaceID formats a tuplespace id owned by node, with sequence seq.
func NewTupleSpaceID(node, seq int) string {
	return fmt.Sprintf("%d:%d", node, seq)
}

// NewProcessID formats a process id owned by node, with sequence seq.
func NewProcessID(node, seq int) string {
	return fmt.Sprintf("%d!%d", node, seq)
}

// NewThreadID formats a thread id for process (node, seq) and thread tseq.
func NewThreadID(node, seq, tseq int) string {
	return fmt.Sprintf("%d!%d!%d", node, seq, tseq)
}
