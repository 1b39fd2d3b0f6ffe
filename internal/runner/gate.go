package runner

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// gateToolUse applies the safety policy to one can_use_tool control
// request and sends the control response. Runs on the turn's consume
// goroutine: the agent is blocked until the response is written, which is
// exactly the contract the CLI expects.
func (r *Runner) gateToolUse(ctx context.Context, live *liveSession, child Transport, sessionID, requestID string, req *controlRequest) {
	_, span := r.tracer.Start(ctx, "runner.tool_gate",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("tool.name", req.ToolName),
		))
	defer span.End()

	live.mu.Lock()
	autoApprove := live.autoApprove
	live.mu.Unlock()

	input := SanitizeToolInput(req.Input)
	decision := evaluateToolPolicy(req.ToolName, input, autoApprove)

	switch {
	case decision.deny:
		span.SetAttributes(attribute.String("decision", "deny"))
		r.log.Info("runner.tool.denied", "session", sessionID, "tool", req.ToolName)
		r.sendPermissionResponse(child, requestID, PermissionResult{
			Behavior: BehaviorDeny,
			Message:  decision.message,
		})
		return

	case decision.allow:
		span.SetAttributes(attribute.String("decision", "allow"))
		r.sendPermissionResponse(child, requestID, PermissionResult{Behavior: BehaviorAllow})
		return

	case decision.confirm:
		span.SetAttributes(attribute.String("decision", "confirm"))
		res := r.awaitHuman(ctx, sessionID, requestID, toolAskUserQuestion, syntheticDeleteQuestion(decision.question))
		if answerApproves(res) {
			r.sendPermissionResponse(child, requestID, PermissionResult{Behavior: BehaviorAllow})
			return
		}
		r.sendPermissionResponse(child, requestID, PermissionResult{
			Behavior: BehaviorDeny,
			Message:  deniedDeleteMessage,
		})
		return
	}

	// AskUserQuestion: always forwarded to the human. Allow requires
	// answers to be present in the updated input.
	span.SetAttributes(attribute.String("decision", "ask"))
	res := r.awaitHuman(ctx, sessionID, requestID, req.ToolName, input)
	if res.Behavior == BehaviorAllow {
		if _, ok := res.UpdatedInput["answers"]; !ok {
			r.sendPermissionResponse(child, requestID, PermissionResult{
				Behavior: BehaviorDeny,
				Message:  "no answers provided",
			})
			return
		}
	}
	r.sendPermissionResponse(child, requestID, res)
}

// awaitHuman registers a pending permission, emits the permissionRequest
// event, and blocks until it resolves by answer, timeout, or abort.
func (r *Runner) awaitHuman(ctx context.Context, sessionID, requestID, toolName string, input map[string]any) PermissionResult {
	p := r.perms.register(requestID, sessionID)
	r.events.permissionRequest(&PermissionRequest{
		RequestID: requestID,
		SessionID: sessionID,
		ToolName:  toolName,
		ToolInput: input,
	})

	select {
	case res := <-p.result:
		r.perms.remove(requestID)
		return res
	case <-ctx.Done():
		r.perms.remove(requestID)
		p.resolve(PermissionResult{Behavior: BehaviorDeny, Message: abortDenyMessage})
		return PermissionResult{Behavior: BehaviorDeny, Message: abortDenyMessage}
	}
}

// sendPermissionResponse writes the control response on the child's stdin
// bridge. Sandbox children additionally get the per-request response file.
func (r *Runner) sendPermissionResponse(child Transport, requestID string, res PermissionResult) {
	payload := map[string]any{"behavior": string(res.Behavior)}
	if res.UpdatedInput != nil {
		payload["updatedInput"] = res.UpdatedInput
	}
	if res.Message != "" {
		payload["message"] = res.Message
	}

	if vm, ok := child.(VMTransport); ok {
		if err := vm.WritePermissionResponse(requestID, string(res.Behavior), res.Message); err != nil {
			r.log.Warn("runner.permission.respfile", "request", requestID, "err", err)
		}
	}

	err := child.Send(map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "success",
			"request_id": requestID,
			"response":   payload,
		},
	})
	if err != nil {
		r.log.Warn("runner.permission.respond", "request", requestID, "err", err)
	}
}
