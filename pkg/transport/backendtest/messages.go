package backendtest

import (
	"github.com/go-go-golems/agentbridge/pkg/schema"
)

func update(u schema.InteractionUpdate) schema.ServerMessage {
	return schema.ServerMessage{Kind: schema.ServerInteractionUpdate, Update: &u}
}

func Text(s string) schema.ServerMessage {
	return update(schema.InteractionUpdate{Kind: schema.UpdateTextDelta, Text: s})
}

func Thinking(s string) schema.ServerMessage {
	return update(schema.InteractionUpdate{Kind: schema.UpdateThinkingDelta, Text: s})
}

func Token(s string) schema.ServerMessage {
	return update(schema.InteractionUpdate{Kind: schema.UpdateTokenDelta, Text: s})
}

func Heartbeat() schema.ServerMessage {
	return update(schema.InteractionUpdate{Kind: schema.UpdateHeartbeat})
}

func TurnEnded() schema.ServerMessage {
	return update(schema.InteractionUpdate{Kind: schema.UpdateTurnEnded})
}

func ToolStarted(callID string, call schema.ToolCall) schema.ServerMessage {
	return update(schema.InteractionUpdate{
		Kind:     schema.UpdateToolCallStarted,
		ToolCall: &schema.ToolCallUpdate{CallID: callID, Call: &call, ModelCallID: "model-" + callID},
	})
}

func ToolCompleted(callID string, call schema.ToolCall) schema.ServerMessage {
	return update(schema.InteractionUpdate{
		Kind:     schema.UpdateToolCallCompleted,
		ToolCall: &schema.ToolCallUpdate{CallID: callID, Call: &call, ModelCallID: "model-" + callID},
	})
}

func Partial(callID string, delta string) schema.ServerMessage {
	return update(schema.InteractionUpdate{
		Kind:    schema.UpdatePartialToolCall,
		Partial: &schema.PartialToolCall{CallID: callID, ArgsTextDelta: delta},
	})
}

func Checkpoint(conversationID string, turn uint64) schema.ServerMessage {
	return schema.ServerMessage{
		Kind:       schema.ServerCheckpoint,
		Checkpoint: &schema.Checkpoint{ConversationID: conversationID, TurnIndex: turn},
	}
}

func RunResponse(conversationID string) schema.ServerMessage {
	return schema.ServerMessage{Kind: schema.ServerRunResponse, Run: &schema.RunResponse{ConversationID: conversationID}}
}

func Exec(id uint64, callID string, call schema.ToolCall) schema.ServerMessage {
	return schema.ServerMessage{Kind: schema.ServerExec, Exec: &schema.ExecRequest{ID: id, ExecID: callID, Call: &call}}
}

func KvGet(id uint64, blobID string) schema.ServerMessage {
	return schema.ServerMessage{Kind: schema.ServerKv, Kv: &schema.KvRequest{ID: id, Kind: schema.KvGetBlob, BlobID: []byte(blobID)}}
}

func KvSet(id uint64, blobID string, data []byte) schema.ServerMessage {
	return schema.ServerMessage{Kind: schema.ServerKv, Kv: &schema.KvRequest{ID: id, Kind: schema.KvSetBlob, BlobID: []byte(blobID), BlobData: data}}
}

func Shell(command string) schema.ToolCall {
	return schema.ToolCall{Name: "bash", Kind: schema.KindShell, Field: 1, Args: map[string]any{"command": command}}
}

func MCP(tool, args string) schema.ToolCall {
	return schema.ToolCall{Name: "mcp", Kind: schema.KindMCP, Field: 15, Args: map[string]any{"tool_name": tool, "args": args, "provider_identifier": "client"}}
}
