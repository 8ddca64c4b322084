package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/duropiri/novai-sub001/internal/engine"
	"github.com/duropiri/novai-sub001/internal/job"
)

// Strategy names as registered in the engine registry.
const (
	StrategyVision            = "vision"
	StrategyFaceSwap          = "faceswap"
	StrategyVideoSynthPrimary = "videosynth_primary"
	StrategyVideoSynthBackup  = "videosynth_fallback"
	StrategyPassthrough       = "passthrough"
)

// BlobStore persists final artifacts.
type BlobStore interface {
	Upload(ctx context.Context, bucket, objectPath string, data []byte, contentType string) (string, error)
}

// SetConfig tunes the built-in pipelines.
type SetConfig struct {
	// GroupSize caps batch fan-out per group.
	GroupSize int
	// CallTimeout bounds each engine call's wall clock.
	CallTimeout time.Duration
	// ResultBucket receives the persisted result manifests.
	ResultBucket string
}

func (c SetConfig) withDefaults() SetConfig {
	if c.GroupSize <= 0 {
		c.GroupSize = 5
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Minute
	}
	if c.ResultBucket == "" {
		c.ResultBucket = "results"
	}
	return c
}

// BuildPipelines assembles the stage lists for every supported job type.
func BuildPipelines(cfg SetConfig, blobs BlobStore) map[job.Type]*Pipeline {
	cfg = cfg.withDefaults()

	return map[job.Type]*Pipeline{
		job.TypeMediaTransform:     mediaTransformPipeline(cfg, blobs),
		job.TypeIdentityGeneration: identityGenerationPipeline(cfg, blobs),
		job.TypeTraining:           trainingPipeline(cfg, blobs),
	}
}

// mediaTransformPipeline analyzes the source, swaps each frame, synthesizes
// the final video through a vendor fallback chain, and persists the result.
func mediaTransformPipeline(cfg SetConfig, blobs BlobStore) *Pipeline {
	return &Pipeline{
		Type: job.TypeMediaTransform,
		Stages: []Stage{
			{
				Name:        "analyze",
				Lo:          0,
				Hi:          10,
				Kind:        KindCall,
				Strategy:    StrategyVision,
				CallTimeout: cfg.CallTimeout,
				Request: func(pc *Context) (engine.Request, error) {
					if pc.CurrentURL == "" {
						return engine.Request{}, fmt.Errorf("input payload has no input_url")
					}
					return engine.Request{InputURL: pc.CurrentURL}, nil
				},
				Apply: func(pc *Context, res *engine.Result) error {
					pc.Analysis = res.Data
					pc.Output["analysis"] = res.Data
					return nil
				},
			},
			{
				Name:        "swap_frames",
				Lo:          10,
				Hi:          70,
				Kind:        KindBatch,
				CallTimeout: cfg.CallTimeout,
				Batch: &BatchSpec{
					Strategy:  StrategyFaceSwap,
					GroupSize: cfg.GroupSize,
					Items: func(pc *Context) ([]BatchItem, error) {
						frames, err := stringList(pc.Input, "frames")
						if err != nil {
							return nil, err
						}
						faceURL, _ := pc.Input["face_url"].(string)

						items := make([]BatchItem, len(frames))
						for i, frame := range frames {
							items[i] = BatchItem{
								Request: engine.Request{
									InputURL: frame,
									Params:   map[string]interface{}{"face_url": faceURL},
								},
								// A failed swap keeps the original frame.
								Fallback: BatchOutput{URL: frame},
							}
						}
						return items, nil
					},
					Merge: func(pc *Context, outputs []BatchOutput) error {
						urls := make([]string, len(outputs))
						for i, out := range outputs {
							urls[i] = out.URL
						}
						pc.Frames = urls
						pc.Output["frames"] = urls
						return nil
					},
				},
			},
			{
				Name: "synthesize",
				Lo:   70,
				Hi:   95,
				Kind: KindChain,
				Chain: []string{
					StrategyVideoSynthPrimary,
					StrategyVideoSynthBackup,
					StrategyPassthrough,
				},
				CallTimeout: cfg.CallTimeout,
				Request: func(pc *Context) (engine.Request, error) {
					return engine.Request{
						InputURL: pc.CurrentURL,
						Params: map[string]interface{}{
							"frames":   pc.Frames,
							"analysis": pc.Analysis,
						},
					}, nil
				},
				Apply: func(pc *Context, res *engine.Result) error {
					pc.CurrentURL = res.OutputURL
					pc.Output["video_url"] = res.OutputURL
					return nil
				},
			},
			persistStage(cfg, blobs, 95, 100),
		},
	}
}

// identityGenerationPipeline derives identity traits from the source image
// and generates the identity asset.
func identityGenerationPipeline(cfg SetConfig, blobs BlobStore) *Pipeline {
	return &Pipeline{
		Type: job.TypeIdentityGeneration,
		Stages: []Stage{
			{
				Name:        "analyze",
				Lo:          0,
				Hi:          25,
				Kind:        KindChain,
				Chain:       []string{StrategyVision, StrategyPassthrough},
				CallTimeout: cfg.CallTimeout,
				Request: func(pc *Context) (engine.Request, error) {
					if pc.CurrentURL == "" {
						return engine.Request{}, fmt.Errorf("input payload has no input_url")
					}
					return engine.Request{InputURL: pc.CurrentURL}, nil
				},
				Apply: func(pc *Context, res *engine.Result) error {
					pc.Analysis = res.Data
					pc.Output["analysis"] = res.Data
					return nil
				},
			},
			{
				Name:        "generate",
				Lo:          25,
				Hi:          85,
				Kind:        KindCall,
				Strategy:    StrategyFaceSwap,
				CallTimeout: cfg.CallTimeout,
				Request: func(pc *Context) (engine.Request, error) {
					identity, _ := pc.Input["identity_id"].(string)
					return engine.Request{
						InputURL: pc.CurrentURL,
						Params: map[string]interface{}{
							"identity_id": identity,
							"analysis":    pc.Analysis,
						},
					}, nil
				},
				Apply: func(pc *Context, res *engine.Result) error {
					pc.CurrentURL = res.OutputURL
					pc.Output["identity_url"] = res.OutputURL
					return nil
				},
			},
			persistStage(cfg, blobs, 85, 100),
		},
	}
}

// trainingPipeline prepares each training sample, runs the training engine,
// and persists the model reference. Training has no degraded mode.
func trainingPipeline(cfg SetConfig, blobs BlobStore) *Pipeline {
	return &Pipeline{
		Type: job.TypeTraining,
		Stages: []Stage{
			{
				Name:        "prepare",
				Lo:          0,
				Hi:          40,
				Kind:        KindBatch,
				CallTimeout: cfg.CallTimeout,
				Batch: &BatchSpec{
					Strategy:  StrategyVision,
					GroupSize: cfg.GroupSize,
					Items: func(pc *Context) ([]BatchItem, error) {
						samples, err := stringList(pc.Input, "samples")
						if err != nil {
							return nil, err
						}

						items := make([]BatchItem, len(samples))
						for i, sample := range samples {
							items[i] = BatchItem{
								Request: engine.Request{InputURL: sample},
								// An unanalyzable sample still trains, just
								// without annotations.
								Fallback: BatchOutput{URL: sample},
							}
						}
						return items, nil
					},
					Merge: func(pc *Context, outputs []BatchOutput) error {
						urls := make([]string, len(outputs))
						for i, out := range outputs {
							urls[i] = out.URL
						}
						pc.Frames = urls
						pc.Output["prepared_samples"] = urls
						return nil
					},
				},
			},
			{
				Name:        "train",
				Lo:          40,
				Hi:          90,
				Kind:        KindCall,
				Strategy:    StrategyVideoSynthPrimary,
				CallTimeout: cfg.CallTimeout,
				Request: func(pc *Context) (engine.Request, error) {
					return engine.Request{
						InputURL: pc.CurrentURL,
						Params: map[string]interface{}{
							"samples": pc.Frames,
							"epochs":  pc.Input["epochs"],
						},
					}, nil
				},
				Apply: func(pc *Context, res *engine.Result) error {
					pc.Output["model_url"] = res.OutputURL
					return nil
				},
			},
			persistStage(cfg, blobs, 90, 100),
		},
	}
}

// persistStage uploads the result manifest to blob storage as the final
// step of every pipeline.
func persistStage(cfg SetConfig, blobs BlobStore, lo, hi int) Stage {
	return Stage{
		Name: "persist",
		Lo:   lo,
		Hi:   hi,
		Kind: KindFunc,
		Run: func(ctx context.Context, pc *Context) error {
			manifest, err := json.Marshal(map[string]interface{}{
				"job_id":   pc.Job.ID,
				"job_type": string(pc.Job.Type),
				"result":   pc.Output,
			})
			if err != nil {
				return fmt.Errorf("failed to encode result manifest: %w", err)
			}

			url, err := blobs.Upload(ctx, cfg.ResultBucket, path.Join(pc.Job.ID, "manifest.json"), manifest, "application/json")
			if err != nil {
				return fmt.Errorf("failed to persist result manifest: %w", err)
			}

			pc.Output["manifest_url"] = url
			pc.Reporter.Log("Result manifest persisted")
			return nil
		},
	}
}

func stringList(input map[string]interface{}, key string) ([]string, error) {
	raw, ok := input[key].([]interface{})
	if !ok {
		return nil, fmt.Errorf("input payload has no %q list", key)
	}

	out := make([]string, 0, len(raw))
	for i, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("input %s[%d] is not a string", key, i)
		}
		out = append(out, s)
	}
	return out, nil
}
