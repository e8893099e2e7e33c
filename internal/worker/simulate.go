package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/ChuLiYu/aigc-gateway/pkg/types"
)

// SimConfig tunes the simulated units used by standalone mode and the demo.
type SimConfig struct {
	Delay       time.Duration // base work time per job
	Jitter      time.Duration // random extra work time
	FailureRate int           // percent of jobs that fail
	Steps       int           // progress reports for long-running kinds
}

// SimulatedHandlers returns a handler for every known operation. Results are
// plausible shapes, not real inference.
func SimulatedHandlers(cfg SimConfig) Handlers {
	if cfg.Steps <= 0 {
		cfg.Steps = 3
	}
	h := make(Handlers, len(types.AllKinds))
	for _, kind := range types.AllKinds {
		h[kind] = simulate(kind, cfg)
	}
	return h
}

func simulate(kind types.JobKind, cfg SimConfig) Handler {
	return func(ctx context.Context, d types.Dispatch, progress func(json.RawMessage)) (json.RawMessage, error) {
		work := cfg.Delay
		if cfg.Jitter > 0 {
			work += time.Duration(rand.Int63n(int64(cfg.Jitter)))
		}

		steps := 1
		if kind == types.KindTextGeneration || kind == types.KindReport || kind == types.KindKnowledgeImport {
			steps = cfg.Steps
		}
		for i := 1; i <= steps; i++ {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(work / time.Duration(steps)):
			}
			if i < steps {
				progress(mustJSON(map[string]any{"progress": i * 100 / steps}))
			}
		}

		if cfg.FailureRate > 0 && rand.Intn(100) < cfg.FailureRate {
			return nil, &UnitError{Kind: "simulated_failure", Message: "simulated execution failure"}
		}
		return mustJSON(simulatedOutput(kind, d)), nil
	}
}

func simulatedOutput(kind types.JobKind, d types.Dispatch) map[string]any {
	var in map[string]any
	_ = json.Unmarshal(d.Payload, &in)
	key := d.Envelope.ResourceKey

	switch kind {
	case types.KindASR:
		return map[string]any{"file_code": key, "text": "simulated transcript", "duration_ms": 3200}
	case types.KindDiarization:
		return map[string]any{"file_code": key, "speakers": []string{"S1", "S2"}}
	case types.KindFacialExpression:
		return map[string]any{"file_code": key, "expression": "neutral", "confidence": 0.91}
	case types.KindObjectDetection:
		return map[string]any{"file_code": key, "objects": []map[string]any{{"label": "person", "score": 0.97}}}
	case types.KindSpeechEmotion:
		return map[string]any{"file_code": key, "emotion": "calm"}
	case types.KindKnowledgeImport:
		return map[string]any{"base": key, "imported": true}
	case types.KindKnowledgeReset:
		return map[string]any{"base": key, "reset": true}
	case types.KindReport:
		return map[string]any{"sn": d.Envelope.Sequence, "report": "simulated report"}
	case types.KindTextToFile:
		return map[string]any{"sn": d.Envelope.Sequence, "file": fmt.Sprintf("%d.docx", d.Envelope.Sequence)}
	case types.KindTextGeneration:
		query, _ := in["query"].(string)
		return map[string]any{"query": query, "answer": "echo: " + strings.TrimSpace(query)}
	default:
		return map[string]any{"key": key}
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
