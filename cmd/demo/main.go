package main

// ============================================================================
// 互動示範：
//   go run ./cmd/demo start    # 頻道互斥、停止生成、限流，再留下未完成的任務
//   go run ./cmd/demo recover  # 從快照恢復，未完成的任務以 transport_error 失敗
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/aigc-gateway/internal/admission"
	"github.com/ChuLiYu/aigc-gateway/internal/config"
	"github.com/ChuLiYu/aigc-gateway/internal/engine"
	"github.com/ChuLiYu/aigc-gateway/internal/snapshot"
	"github.com/ChuLiYu/aigc-gateway/internal/transport/local"
	"github.com/ChuLiYu/aigc-gateway/internal/worker"
	"github.com/ChuLiYu/aigc-gateway/pkg/types"
)

const token = "demo-token"

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/demo <start|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]

	cfg, err := config.Load("configs/gateway.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		log.Fatalf("Failed to create data dir: %v", err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	e := engine.New(engine.Config{SnapshotInterval: time.Second}, engine.Deps{
		Admission: admission.NewLimiter(map[string]int64{string(types.KindKnowledgeReset): 60_000}, 0),
		Snapshots: snapshot.NewManager(cfg.SnapshotPath()),
	})
	if err := e.Start(); err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}

	node := worker.NewNode(worker.NodeConfig{ID: "demo-unit", Workers: 4},
		worker.SimulatedHandlers(worker.SimConfig{Delay: 800 * time.Millisecond, Steps: 4}))
	detach, err := local.Attach(e.Gateway(), node)
	if err != nil {
		log.Fatalf("Failed to attach unit: %v", err)
	}

	fmt.Printf("✓ Engine started (mode: %s)\n", mode)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	switch mode {
	case "start":
		runScenario(e)
		fmt.Printf("\n💡 Press Ctrl+C now, then run 'go run ./cmd/demo recover'\n")
	case "recover":
		showRecovered(e)
	default:
		fmt.Printf("unknown mode %q\n", mode)
	}

	<-sigChan
	fmt.Println("\n\nReceived shutdown signal, stopping gracefully...")
	detach()
	e.Stop()
	fmt.Println("✓ Engine stopped")
}

func submit(e *engine.Engine, req engine.SubmitRequest) (engine.SubmitResult, error) {
	req.Token = token
	req.CallerIP = "127.0.0.1"
	return e.Submit(context.Background(), req)
}

func runScenario(e *engine.Engine) {
	ctx := context.Background()
	code := "demo-room"
	if _, err := e.OpenChannel(code, token, "alice"); err != nil {
		log.Fatalf("Failed to open channel: %v", err)
	}

	// 1. 頻道一次只跑一個生成
	fmt.Println("\n💬 Channel exclusion")
	first, err := submit(e, engine.SubmitRequest{
		Operation: types.KindTextGeneration,
		Channel:   code,
		Payload:   json.RawMessage(`{"query":"tell me a story"}`),
	})
	fmt.Printf("  first  → sn=%d state=%s err=%v\n", first.Sequence, first.State, err)
	_, err = submit(e, engine.SubmitRequest{
		Operation: types.KindTextGeneration,
		Channel:   code,
		Payload:   json.RawMessage(`{"query":"and another"}`),
	})
	fmt.Printf("  second → rejected: %v\n", err)

	// 2. 停止生成
	fmt.Println("\n✋ Stop generation")
	view, err := e.StopChannel(code, token)
	fmt.Printf("  stop   → busy=%v err=%v\n", view.Busy, err)
	if f, err := e.Poll(code); err == nil {
		fmt.Printf("  future → state=%s answer=%s\n", f.State, f.Result)
	}

	// 3. 同步模式
	fmt.Println("\n⏱  Sync call")
	res, err := submit(e, engine.SubmitRequest{
		Operation:     types.KindTextGeneration,
		Channel:       code,
		Payload:       json.RawMessage(`{"query":"short answer please"}`),
		Mode:          engine.ModeSync,
		TimeoutMillis: 5000,
	})
	fmt.Printf("  sync   → state=%s err=%v\n", res.State, err)
	hist, _ := e.History(ctx, code, 10)
	fmt.Printf("  history rounds: %d\n", len(hist))

	// 4. 限流
	fmt.Println("\n🚦 Admission window")
	for i := 1; i <= 2; i++ {
		_, err := submit(e, engine.SubmitRequest{Operation: types.KindKnowledgeReset, ResourceKey: "kb-demo"})
		var jerr *types.JobError
		if errors.As(err, &jerr) {
			fmt.Printf("  reset #%d → %s\n", i, jerr.Kind)
		} else {
			fmt.Printf("  reset #%d → accepted\n", i)
		}
	}

	// 5. 留下未完成的任務給 recover 示範
	fmt.Println("\n📦 Long jobs left in flight")
	for i := 1; i <= 5; i++ {
		r, err := submit(e, engine.SubmitRequest{
			Operation:   types.KindASR,
			ResourceKey: fmt.Sprintf("recording-%02d", i),
			Payload:     json.RawMessage(`{"url":"s3://bucket/audio.wav"}`),
		})
		if err != nil {
			fmt.Printf("  recording-%02d → %v\n", i, err)
			continue
		}
		fmt.Printf("  %s → sn=%d\n", r.Key, r.Sequence)
	}
	printStatus(e)
}

func showRecovered(e *engine.Engine) {
	fmt.Println("\n📊 Immediate status after recovery:")
	printStatus(e)
	for i := 1; i <= 5; i++ {
		key := fmt.Sprintf("recording-%02d", i)
		f, err := e.Poll(key)
		if err != nil {
			continue
		}
		reason := ""
		if f.Error != nil {
			reason = string(f.Error.Kind)
		}
		fmt.Printf("  %s → %s %s\n", key, f.State, reason)
	}
}

func printStatus(e *engine.Engine) {
	st := e.Status()
	fmt.Printf("  Futures:  %v\n", st.Futures)
	fmt.Printf("  Channels: %d (busy %d)\n", st.Channels, st.BusyChannels)
	fmt.Printf("  Units:    %d\n", len(st.Workers))
	fmt.Printf("  Last sn:  %d\n", st.LastSequence)
}
