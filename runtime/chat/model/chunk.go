package model

type (
	// Chunk is one unit of model output. It is implemented by TextDelta,
	// ToolCallAnnounced, ToolArgsFragment, ToolResult and GenericText only.
	Chunk interface {
		isChunk()
	}

	// TextDelta is an incremental fragment of assistant prose.
	TextDelta struct {
		Text string
	}

	// ToolCallAnnounced is the first sighting of a tool invocation. Args may
	// be empty when the arguments stream as ToolArgsFragment chunks.
	ToolCallAnnounced struct {
		ID   string
		Name string
		Args map[string]any
	}

	// ToolArgsFragment is a raw piece of the JSON arguments of the most
	// recently announced tool call.
	ToolArgsFragment struct {
		Text string
	}

	// ToolResult is the output of a previously announced tool call.
	ToolResult struct {
		ToolCallID string
		Result     any
	}

	// GenericText is plain content with no special role, such as a provider
	// refusal or a runtime notice.
	GenericText struct {
		Text string
	}
)

func (TextDelta) isChunk()         {}
func (ToolCallAnnounced) isChunk() {}
func (ToolArgsFragment) isChunk()  {}
func (ToolResult) isChunk()        {}
func (GenericText) isChunk()       {}
