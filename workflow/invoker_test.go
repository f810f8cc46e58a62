package workflow

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/blueprinthq/valueflow/types"
)

func invokerFixtures(endpoint string) (*types.Stage, *types.ExecutionContext, *types.StageRoute) {
	stage := &types.Stage{
		ID:        "discover",
		Lifecycle: types.LifecycleOpportunity,
	}
	execCtx := types.NewExecutionContext("eu-west", "sess-1", map[string]any{"account": "acme"})
	execCtx.MergeOutput("previous", map[string]any{"score": 0.7})
	route := &types.StageRoute{
		StageID: "discover",
		SelectedAgent: &types.AgentDescriptor{
			ID:       "agent-1",
			Endpoint: endpoint,
		},
	}
	return stage, execCtx, route
}

func TestHTTPInvokerPostsToLifecycleEndpoint(t *testing.T) {
	var gotPath string
	var gotBody stageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(types.AgentResponse{
			Success:          true,
			OutputData:       map[string]any{"opportunity_id": "opp-1"},
			ArtifactsCreated: []string{"opp-1"},
		})
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(srv.Client(), nil)
	stage, execCtx, route := invokerFixtures(srv.URL)

	resp, err := inv.Invoke(context.Background(), stage, execCtx, route)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if gotPath != "/api/opportunity/process" {
		t.Errorf("path = %q, want /api/opportunity/process", gotPath)
	}
	if gotBody.StageID != "discover" {
		t.Errorf("stage_id = %q", gotBody.StageID)
	}
	if gotBody.Variables["account"] != "acme" {
		t.Errorf("variables not forwarded: %v", gotBody.Variables)
	}
	if !resp.Success || resp.OutputData["opportunity_id"] != "opp-1" {
		t.Errorf("response = %+v", resp)
	}
	if len(resp.ArtifactsCreated) != 1 || resp.ArtifactsCreated[0] != "opp-1" {
		t.Errorf("artifacts = %v", resp.ArtifactsCreated)
	}
}

func TestHTTPInvokerNon2xxIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(srv.Client(), nil)
	stage, execCtx, route := invokerFixtures(srv.URL)

	_, err := inv.Invoke(context.Background(), stage, execCtx, route)
	if !types.IsCode(err, types.ErrStageExecution) {
		t.Fatalf("err = %v, want STAGE_EXECUTION", err)
	}
	if !types.IsRetryable(err) {
		t.Fatal("5xx must be retryable")
	}
}

func TestHTTPInvokerContextCancellation(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server detects the client disconnect and
		// cancels r.Context(); with an unread body it never would, and
		// srv.Close() would deadlock waiting on this handler.
		io.Copy(io.Discard, r.Body)
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(srv.Client(), nil)
	stage, execCtx, route := invokerFixtures(srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := inv.Invoke(ctx, stage, execCtx, route)
	if err == nil {
		t.Fatal("expected error from cancelled call")
	}
}

func TestHTTPInvokerMissingEndpoint(t *testing.T) {
	inv := NewHTTPInvoker(nil, nil)
	stage, execCtx, _ := invokerFixtures("")
	route := &types.StageRoute{StageID: "discover", SelectedAgent: &types.AgentDescriptor{ID: "agent-1"}}

	_, err := inv.Invoke(context.Background(), stage, execCtx, route)
	if !types.IsCode(err, types.ErrStageExecution) {
		t.Fatalf("err = %v, want STAGE_EXECUTION", err)
	}
}

func TestHTTPInvokerMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(srv.Client(), nil)
	stage, execCtx, route := invokerFixtures(srv.URL)

	_, err := inv.Invoke(context.Background(), stage, execCtx, route)
	if !types.IsCode(err, types.ErrStageExecution) {
		t.Fatalf("err = %v, want STAGE_EXECUTION", err)
	}
	if !types.IsRetryable(err) {
		t.Fatal("decode failure must be retryable")
	}
}
