package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testVM(t *testing.T, hostTools HostToolFunc) *VM {
	t.Helper()
	dir := t.TempDir()
	for _, sub := range []string{requestsDir, responsesDir, mediaDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			t.Fatal(err)
		}
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return newVM("sess-1", dir, nil, newTailBuffer(stderrTailMax), hostTools, log)
}

func readResponse(t *testing.T, vm *VM, requestID string) map[string]any {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(vm.ipcDir, responsesDir, requestID+".json"))
	if err != nil {
		t.Fatalf("response file: %v", err)
	}
	var resp map[string]any
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

// Guests always get a correlated response, even when the host exposes no
// tools; nothing may be left waiting for a file that never appears.
func TestHandleHostTool_NoCallbackStillResponds(t *testing.T) {
	vm := testVM(t, nil)

	line := []byte(`{"type":"host_tool_request","request_id":"hr-1","tool_name":"search_history","tool_input":{}}`)
	vm.handleHostTool(context.Background(), line)

	resp := readResponse(t, vm, "hr-1")
	if resp["request_id"] != "hr-1" {
		t.Errorf("request_id = %v", resp["request_id"])
	}
	if resp["error"] != "host tools are not available" {
		t.Errorf("error = %v", resp["error"])
	}
	if _, ok := resp["result"]; ok {
		t.Error("no result expected without a callback")
	}
}

func TestHandleHostTool_Callback(t *testing.T) {
	vm := testVM(t, func(_ context.Context, toolName string, input map[string]any) (map[string]any, error) {
		if toolName == "boom" {
			return nil, errors.New("tool failed")
		}
		return map[string]any{"echo": input["q"]}, nil
	})

	vm.handleHostTool(context.Background(), []byte(`{"type":"host_tool_request","request_id":"hr-2","tool_name":"echo","tool_input":{"q":"hi"}}`))
	resp := readResponse(t, vm, "hr-2")
	result, ok := resp["result"].(map[string]any)
	if !ok || result["echo"] != "hi" {
		t.Errorf("result = %v", resp["result"])
	}

	vm.handleHostTool(context.Background(), []byte(`{"type":"host_tool_request","request_id":"hr-3","tool_name":"boom","tool_input":{}}`))
	resp = readResponse(t, vm, "hr-3")
	if resp["error"] != "tool failed" {
		t.Errorf("error = %v", resp["error"])
	}
}

func TestHandleHostTool_MissingRequestID(t *testing.T) {
	vm := testVM(t, nil)

	vm.handleHostTool(context.Background(), []byte(`{"type":"host_tool_request","tool_name":"x"}`))

	entries, err := os.ReadDir(filepath.Join(vm.ipcDir, responsesDir))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Error("no response should be written without a request id")
	}
}
