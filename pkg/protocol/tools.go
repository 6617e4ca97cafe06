package protocol

import (
	"fmt"
	"strings"
)

// Tool name prefixes for handoff-class tools.
const (
	TransferPrefix = "transfer_to_"
	ReturnPrefix   = "return_to_"
)

const blockPrefix = "[blocked:"

// HandoffTarget parses a handoff-class tool name into its target agent.
func HandoffTarget(name string) (target string, isReturn bool, ok bool) {
	switch {
	case strings.HasPrefix(name, TransferPrefix):
		target = strings.TrimPrefix(name, TransferPrefix)
	case strings.HasPrefix(name, ReturnPrefix):
		target, isReturn = strings.TrimPrefix(name, ReturnPrefix), true
	default:
		return "", false, false
	}
	if target == "" {
		return "", false, false
	}
	return target, isReturn, true
}

// IsHandoffTool reports whether name is a transfer or return tool
func IsHandoffTool(name string) bool {
	_, _, ok := HandoffTarget(name)
	return ok
}

// TransferTool returns the transfer tool name for agent
func TransferTool(agent string) string {
	return TransferPrefix + agent
}

// ReturnTool returns the return tool name for agent
func ReturnTool(agent string) string {
	return ReturnPrefix + agent
}

// BlockMarker is the indicator embedded in the content of a refused tool call.
func BlockMarker(reason string) string {
	return fmt.Sprintf("%s%s]", blockPrefix, reason)
}

// IsBlocked reports whether content carries a block marker and which gate set it.
func IsBlocked(content string) (string, bool) {
	idx := strings.Index(content, blockPrefix)
	if idx < 0 {
		return "", false
	}
	rest := content[idx+len(blockPrefix):]
	end := strings.IndexByte(rest, ']')
	if end <= 0 {
		return "", false
	}
	return rest[:end], true
}
