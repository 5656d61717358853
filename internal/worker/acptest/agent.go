// Package acptest provides a scripted ACP agent that speaks newline-delimited
// JSON-RPC over a pair of streams. Tests run it in-process over io.Pipe or
// re-exec the test binary as an agent subprocess.
package acptest

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
)

// DefaultSessionID is the session id the agent hands out.
const DefaultSessionID = "sess-1"

// PromptFunc scripts one prompt turn and returns the stop reason.
type PromptFunc func(turn *Turn) string

// Agent is a minimal agent-side ACP peer.
type Agent struct {
	// Name is reported as agentInfo.name during initialize.
	Name string
	// OnPrompt runs for each session/prompt. Nil ends the turn immediately.
	OnPrompt PromptFunc

	out     io.Writer
	writeMu sync.Mutex

	mu        sync.Mutex
	nextID    int
	pending   map[string]chan response
	cancelled chan struct{}
	cancelOne sync.Once

	methods []string
}

type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type response struct {
	result json.RawMessage
	err    error
}

// Serve reads requests from r and writes responses to w until r is exhausted.
func (a *Agent) Serve(r io.Reader, w io.Writer) error {
	a.out = w
	a.mu.Lock()
	a.pending = make(map[string]chan response)
	a.cancelled = make(chan struct{})
	a.mu.Unlock()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		var msg message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		switch {
		case msg.Method != "" && len(msg.ID) > 0:
			a.record(msg.Method)
			a.handleRequest(msg)
		case msg.Method != "":
			a.record(msg.Method)
			if msg.Method == "session/cancel" {
				a.cancelOne.Do(func() { close(a.cancelled) })
			}
		case len(msg.ID) > 0:
			a.deliver(msg)
		}
	}
	return scanner.Err()
}

func (a *Agent) record(method string) {
	a.mu.Lock()
	a.methods = append(a.methods, method)
	a.mu.Unlock()
}

// Received returns every client-to-agent method seen so far, in order.
func (a *Agent) Received() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.methods...)
}

func (a *Agent) handleRequest(msg message) {
	switch msg.Method {
	case "initialize":
		name := a.Name
		if name == "" {
			name = "fake-agent"
		}
		a.reply(msg.ID, map[string]any{
			"protocolVersion":   1,
			"agentCapabilities": map[string]any{"loadSession": false},
			"authMethods":       []any{},
			"agentInfo":         map[string]any{"name": name, "version": "0.0.1"},
		})
	case "session/new":
		a.reply(msg.ID, map[string]any{"sessionId": DefaultSessionID})
	case "session/prompt":
		var params struct {
			SessionID string `json:"sessionId"`
			Prompt    []struct {
				Text string `json:"text"`
			} `json:"prompt"`
		}
		_ = json.Unmarshal(msg.Params, &params)
		text := ""
		for _, block := range params.Prompt {
			text += block.Text
		}
		turn := &Turn{agent: a, requestID: msg.ID, SessionID: params.SessionID, Prompt: text}
		// Prompt turns run concurrently with the read loop so the agent can
		// issue its own requests and read their responses.
		go func() {
			stop := "end_turn"
			if a.OnPrompt != nil {
				stop = a.OnPrompt(turn)
			}
			if stop != "" {
				a.reply(msg.ID, map[string]any{"stopReason": stop})
			}
		}()
	default:
		a.write(message{JSONRPC: "2.0", ID: msg.ID, Error: &rpcError{Code: -32601, Message: "method not found: " + msg.Method}})
	}
}

func (a *Agent) deliver(msg message) {
	a.mu.Lock()
	ch, ok := a.pending[string(msg.ID)]
	delete(a.pending, string(msg.ID))
	a.mu.Unlock()
	if !ok {
		return
	}
	if msg.Error != nil {
		ch <- response{err: fmt.Errorf("rpc error %d: %s", msg.Error.Code, msg.Error.Message)}
		return
	}
	ch <- response{result: msg.Result}
}

func (a *Agent) reply(id json.RawMessage, result any) {
	raw, _ := json.Marshal(result)
	a.write(message{JSONRPC: "2.0", ID: id, Result: raw})
}

func (a *Agent) write(msg message) {
	msg.JSONRPC = "2.0"
	data, _ := json.Marshal(msg)
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_, _ = a.out.Write(append(data, '\n'))
}

// Turn is the agent's view of one in-flight prompt.
type Turn struct {
	agent     *Agent
	requestID json.RawMessage
	SessionID string
	Prompt    string
}

// Fail answers the prompt with a JSON-RPC error. The prompt function should
// then return "" so no second reply is sent.
func (t *Turn) Fail(code int, msg string) {
	t.agent.write(message{ID: t.requestID, Error: &rpcError{Code: code, Message: msg}})
}

// Cancelled is closed once the client sends session/cancel.
func (t *Turn) Cancelled() <-chan struct{} {
	return t.agent.cancelled
}

// Notify sends a session/update notification with the given update body.
func (t *Turn) Notify(update map[string]any) {
	params, _ := json.Marshal(map[string]any{"sessionId": t.SessionID, "update": update})
	t.agent.write(message{Method: "session/update", Params: params})
}

// SendText streams an agent message chunk.
func (t *Turn) SendText(text string) {
	t.Notify(map[string]any{
		"sessionUpdate": "agent_message_chunk",
		"content":       map[string]any{"type": "text", "text": text},
	})
}

// ToolCall reports a new tool call.
func (t *Turn) ToolCall(id, title, kind string) {
	t.Notify(map[string]any{
		"sessionUpdate": "tool_call",
		"toolCallId":    id,
		"title":         title,
		"kind":          kind,
		"status":        "pending",
	})
}

// Call sends a request to the client and waits for its result.
func (t *Turn) Call(method string, params map[string]any) (json.RawMessage, error) {
	a := t.agent
	if _, ok := params["sessionId"]; !ok {
		params["sessionId"] = t.SessionID
	}
	raw, _ := json.Marshal(params)

	a.mu.Lock()
	a.nextID++
	id := json.RawMessage(strconv.Itoa(a.nextID))
	ch := make(chan response, 1)
	a.pending[string(id)] = ch
	a.mu.Unlock()

	a.write(message{ID: id, Method: method, Params: raw})
	select {
	case resp := <-ch:
		return resp.result, resp.err
	case <-a.cancelled:
		return nil, errors.New("turn cancelled")
	}
}

// RequestPermission asks the client to approve a tool call and returns the
// selected option id, or "" when cancelled.
func (t *Turn) RequestPermission(toolCallID, title, kind string) (string, error) {
	raw, err := t.Call("session/request_permission", map[string]any{
		"toolCall": map[string]any{"toolCallId": toolCallID, "title": title, "kind": kind},
		"options": []map[string]any{
			{"optionId": "allow", "name": "Allow", "kind": "allow_once"},
			{"optionId": "reject", "name": "Reject", "kind": "reject_once"},
		},
	})
	if err != nil {
		return "", err
	}
	var resp struct {
		Outcome struct {
			Outcome  string `json:"outcome"`
			OptionID string `json:"optionId"`
		} `json:"outcome"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Outcome.Outcome != "selected" {
		return "", nil
	}
	return resp.Outcome.OptionID, nil
}

// WriteFile asks the client to write a file.
func (t *Turn) WriteFile(path, content string) error {
	_, err := t.Call("fs/write_text_file", map[string]any{"path": path, "content": content})
	return err
}

// CreateTerminal asks the client to start a command and returns its id.
func (t *Turn) CreateTerminal(command string, args ...string) (string, error) {
	raw, err := t.Call("terminal/create", map[string]any{"command": command, "args": args})
	if err != nil {
		return "", err
	}
	var resp struct {
		TerminalID string `json:"terminalId"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	return resp.TerminalID, nil
}
