package hub

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/choonkeat/codecollab/internal/assistant"
	"github.com/choonkeat/codecollab/internal/execution"
	"github.com/choonkeat/codecollab/internal/filetree"
	"github.com/choonkeat/codecollab/internal/protocol"
	"github.com/choonkeat/codecollab/internal/roster"
	"github.com/choonkeat/codecollab/internal/terminal"
)

// handleJoin runs under the room lock so the joiner's snapshot and any
// code-change for the room are delivered in store order.
func (h *Hub) handleJoin(c *Client, p *protocol.Join) {
	if h.joinRoom(c, p) {
		h.attachTerminal(c, p.RoomToken)
	}
}

func (h *Hub) joinRoom(c *Client, p *protocol.Join) bool {
	defer h.lockRoom(p.RoomToken)()

	members, err := h.tracker.Join(c.id, p.RoomToken, p.DisplayName)
	if err != nil {
		if errors.Is(err, roster.ErrAlreadyJoined) {
			c.sendError(protocol.EventJoin, err.Error())
			return false
		}
		c.log.Error("join failed", zap.String("room", p.RoomToken), zap.Error(err))
		c.sendError(protocol.EventJoin, "could not join room")
		return false
	}

	code := ""
	var tree filetree.Tree

	ctx, cancel := context.WithTimeout(h.ctx, storeTimeout)
	doc, outcome, err := h.store.GetOrCreate(ctx, p.RoomToken)
	cancel()
	h.storeResult(err, "get or create", p.RoomToken)
	if err == nil {
		code = doc.Code
		tree = doc.FileTree
		c.log.Debug("room document", zap.String("room", p.RoomToken), zap.Stringer("outcome", outcome))
	}

	c.sendEvent(protocol.EventJoined, protocol.Joined{
		Roster:       members,
		DisplayName:  p.DisplayName,
		ConnectionID: c.id,
		Code:         &code,
		FileTree:     tree,
	})
	if p.DisplayName != "" {
		h.sendEach(memberIDs(members), c.id, protocol.EventJoined, protocol.Joined{
			Roster:       members,
			DisplayName:  p.DisplayName,
			ConnectionID: c.id,
		})
	}
	c.log.Info("joined room", zap.String("room", p.RoomToken), zap.Int("members", len(members)))
	return true
}

func (h *Hub) attachTerminal(c *Client, room string) {
	terms := h.terminalsRef()
	if terms == nil {
		return
	}
	created, err := terms.EnsureSession(room)
	if err != nil {
		c.log.Warn("terminal unavailable", zap.String("room", room), zap.Error(err))
		return
	}
	if created {
		return
	}
	if snap, ok := terms.Snapshot(room); ok && len(snap) > 0 {
		c.sendTerminal(snap)
	}
}

func memberIDs(members []roster.Member) []string {
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.ConnectionID
	}
	return ids
}

func (h *Hub) handleCodeChange(c *Client, p *protocol.CodeChange) {
	room, ok := h.joinedRoom(c, protocol.EventCodeChange, p.RoomToken)
	if !ok {
		return
	}
	h.replaceDocument(room, c.id, p.Code)
}

func (h *Hub) handleSyncCode(c *Client, p *protocol.SyncCode) {
	room, ok := h.tracker.RoomOf(c.id)
	if !ok {
		c.sendError(protocol.EventSyncCode, "join a room first")
		return
	}
	targetRoom, _ := h.tracker.RoomOf(p.TargetConnectionID)
	target, found := h.client(p.TargetConnectionID)
	if !found || targetRoom != room {
		c.log.Debug("sync target not in room", zap.String("target", p.TargetConnectionID))
		return
	}
	target.sendEvent(protocol.EventCodeChange, protocol.CodeChange{Code: p.Code})
}

func (h *Hub) handleFileTreeUpdate(c *Client, p *protocol.FileTreeUpdate) {
	room, ok := h.joinedRoom(c, protocol.EventFileTreeUpdate, p.RoomToken)
	if !ok {
		return
	}
	tree := filetree.AssignIDs(p.FileTree)
	if dups := filetree.DuplicateNames(tree); len(dups) > 0 {
		c.log.Debug("file tree has duplicate names", zap.Strings("paths", dups))
	}

	defer h.lockRoom(room)()

	ctx, cancel := context.WithTimeout(h.ctx, storeTimeout)
	defer cancel()
	h.storeResult(h.store.SetFileTree(ctx, room, tree), "set file tree", room)
	h.broadcast(room, c.id, protocol.EventFileTreeUpdate, protocol.FileTreeUpdate{FileTree: tree})
}

func (h *Hub) handleActiveFileChange(c *Client, p *protocol.ActiveFileChange) {
	room, ok := h.joinedRoom(c, protocol.EventActiveFileChange, p.RoomToken)
	if !ok {
		return
	}
	name := p.DisplayName
	if name == "" {
		name, _ = h.tracker.DisplayName(c.id)
	}
	h.broadcast(room, c.id, protocol.EventActiveFileChange, protocol.ActiveFileChange{
		FilePath:    p.FilePath,
		DisplayName: name,
	})
}

func (h *Hub) handleCompile(ctx context.Context, c *Client, p *protocol.CompileCode) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.ExecTimeout)
	defer cancel()

	res, err := h.executor.Execute(ctx, execution.Request{
		Language: p.Language,
		Source:   p.Code,
		Stdin:    p.Stdin,
	})
	if err != nil {
		c.log.Warn("compile failed", zap.String("language", p.Language), zap.Error(err))
		msg := MsgCompileFailed
		if isUnsupported(err) {
			msg = err.Error()
		}
		c.sendEvent(protocol.EventCompilationResult, protocol.CompilationResult{Error: msg})
		return
	}
	c.sendEvent(protocol.EventCompilationResult, protocol.CompilationResult{Output: res.Output, Error: res.Error})
}

func (h *Hub) handleGenerate(ctx context.Context, c *Client, p *protocol.GenerateCode) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.AssistantTimeout)
	defer cancel()

	answer, err := h.assistant.Generate(ctx, assistant.GeneratePrompt(p.Prompt, p.Language), assistant.GenerateSystemPrompt)
	if err != nil {
		c.log.Warn("generation failed", zap.Error(err))
		c.sendEvent(protocol.EventCodeGenerationResult, protocol.CodeGenerationResult{Error: MsgGenerateFailed})
		return
	}
	code := assistant.ExtractCode(answer)
	c.sendEvent(protocol.EventCodeGenerationResult, protocol.CodeGenerationResult{Code: code})

	if room, ok := h.tracker.RoomOf(c.id); ok {
		h.replaceDocument(room, c.id, code)
	}
}

// handleRecommend returns the review text as is. When the review carries a
// fenced code block, that block becomes the room's code.
func (h *Hub) handleRecommend(ctx context.Context, c *Client, p *protocol.RecommendCode) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.AssistantTimeout)
	defer cancel()

	answer, err := h.assistant.Generate(ctx, assistant.ReviewPrompt(p.Code), assistant.ReviewSystemPrompt)
	if err != nil {
		c.log.Warn("recommendation failed", zap.Error(err))
		c.sendEvent(protocol.EventRecommendResult, protocol.RecommendResult{Error: MsgRecommendFailed})
		return
	}
	c.sendEvent(protocol.EventRecommendResult, protocol.RecommendResult{Recommendations: answer})

	code, fenced := assistant.FencedCode(answer)
	if !fenced {
		return
	}
	if room, ok := h.tracker.RoomOf(c.id); ok {
		h.replaceDocument(room, c.id, code)
	}
}

func (h *Hub) terminalInput(c *Client, data []byte) {
	terms := h.terminalsRef()
	if terms == nil || len(data) == 0 {
		return
	}
	room, ok := h.tracker.RoomOf(c.id)
	if !ok {
		return
	}
	if err := terms.Write(room, data); err != nil {
		if errors.Is(err, terminal.ErrNoSession) {
			c.log.Debug("terminal input dropped", zap.String("room", room))
			return
		}
		c.log.Warn("terminal write failed", zap.String("room", room), zap.Error(err))
	}
}

func (h *Hub) handleTerminalResize(c *Client, p *protocol.TerminalResize) {
	terms := h.terminalsRef()
	if terms == nil {
		return
	}
	room, ok := h.tracker.RoomOf(c.id)
	if !ok {
		return
	}
	terms.Resize(room, p.Cols, p.Rows)
}

// TerminalOutput sends shell output to every member of room as a binary
// frame. Members whose terminal queue is full miss the chunk.
func (h *Hub) TerminalOutput(room string, data []byte) {
	for _, id := range h.tracker.Members(room) {
		if c, ok := h.client(id); ok {
			c.sendTerminal(data)
		}
	}
}

// TerminalExit tells the room its shell has exited.
func (h *Hub) TerminalExit(room string, exitCode int) {
	h.logger.Info("terminal exited", zap.String("room", room), zap.Int("exit_code", exitCode))
	h.broadcast(room, "", protocol.EventTerminalExit, protocol.TerminalExit{ExitCode: exitCode})
}

var _ terminal.Sink = (*Hub)(nil)
