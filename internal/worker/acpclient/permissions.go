package acpclient

import (
	"strings"

	acp "github.com/coder/acp-go-sdk"
)

// PermissionPolicy approves tool calls whose kind is on a static allow-list.
type PermissionPolicy struct {
	allowed map[string]struct{}
}

// NewPermissionPolicy builds a policy from tool kind names. Matching is
// case-insensitive.
func NewPermissionPolicy(kinds []string) PermissionPolicy {
	allowed := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			allowed[k] = struct{}{}
		}
	}
	return PermissionPolicy{allowed: allowed}
}

// Allows reports whether kind is on the allow-list.
func (p PermissionPolicy) Allows(kind string) bool {
	_, ok := p.allowed[strings.ToLower(kind)]
	return ok
}

// Decision is the outcome of a single permission request.
type Decision struct {
	SessionID  string `json:"session_id"`
	ToolCallID string `json:"tool_call_id"`
	Kind       string `json:"kind"`
	Title      string `json:"title"`
	Approved   bool   `json:"approved"`
	OptionID   string `json:"option_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Decide maps a permission request to a response. Requests without a tool
// kind, without options, or with a kind off the allow-list are cancelled.
// Approval picks the first allow option, falling back to the first option.
func (p PermissionPolicy) Decide(req acp.RequestPermissionRequest) (Decision, acp.RequestPermissionResponse) {
	d := Decision{
		SessionID:  string(req.SessionId),
		ToolCallID: string(req.ToolCall.ToolCallId),
	}
	if req.ToolCall.Title != nil {
		d.Title = *req.ToolCall.Title
	}
	if req.ToolCall.Kind != nil {
		d.Kind = string(*req.ToolCall.Kind)
	}

	switch {
	case d.Kind == "":
		d.Reason = "missing tool kind"
	case len(req.Options) == 0:
		d.Reason = "no options offered"
	case !p.Allows(d.Kind):
		d.Reason = "tool kind not allowed"
	default:
		d.Approved = true
		d.OptionID = string(selectOption(req.Options))
		return d, acp.RequestPermissionResponse{
			Outcome: acp.RequestPermissionOutcome{
				Selected: &acp.RequestPermissionOutcomeSelected{
					OptionId: acp.PermissionOptionId(d.OptionID),
				},
			},
		}
	}
	return d, cancelledPermission()
}

// selectOption prefers the first allow option even when a reject option is
// listed earlier.
func selectOption(options []acp.PermissionOption) acp.PermissionOptionId {
	for _, opt := range options {
		if opt.Kind == acp.PermissionOptionKindAllowOnce || opt.Kind == acp.PermissionOptionKindAllowAlways {
			return opt.OptionId
		}
	}
	return options[0].OptionId
}

func cancelledPermission() acp.RequestPermissionResponse {
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Cancelled: &acp.RequestPermissionOutcomeCancelled{},
		},
	}
}
