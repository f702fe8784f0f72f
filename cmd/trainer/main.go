// Command trainer runs general-preference reward-model training: it
// loads the configuration, wires observability, builds the model, loss,
// datasets and runtime, then drives the training loop to completion.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/deep-alignment/OpenRLHF/internal/infrastructure/storage"
	miniostore "github.com/deep-alignment/OpenRLHF/internal/infrastructure/storage/minio"
	"github.com/deep-alignment/OpenRLHF/internal/observability/logging"
	"github.com/deep-alignment/OpenRLHF/internal/observability/metrics"
	"github.com/deep-alignment/OpenRLHF/internal/observability/trace"
	"github.com/deep-alignment/OpenRLHF/internal/platform/training"
	"github.com/deep-alignment/OpenRLHF/internal/platform/training/gpm"
	"github.com/deep-alignment/OpenRLHF/internal/platform/training/local"
	"github.com/deep-alignment/OpenRLHF/pkg/config"
)

var (
	version = "dev"

	configPath string
	vocabSize  int
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "gpm-trainer",
		Short:   "General preference reward model trainer",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.Flags().IntVar(&vocabSize, "vocab-size", 32768, "hash tokenizer vocabulary size")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	loader := config.NewLoader()
	cfg, err := loader.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	// hot reload keeps the validated config current for inspection; the
	// training loop itself is wired from the startup snapshot
	if configPath != "" {
		loader.OnChange(func(next *config.Config) {
			logger.Info("configuration reloaded",
				logging.String("path", configPath),
				logging.String("log_level", next.Log.Level),
			)
		})
		loader.Watch()
	}

	runID := uuid.New().String()
	ctx = logging.WithJobID(ctx, cfg.Job.JobID)
	ctx = logging.WithRunID(ctx, runID)
	ctx = logging.WithRank(ctx, cfg.Job.Rank)

	logger.WithContext(ctx).Info("trainer starting",
		logging.String("version", version),
		logging.String("run_name", cfg.RunName()),
	)

	tracer, err := trace.NewTracer(trace.TracerConfig{
		ServiceName:    cfg.Trace.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Trace.Environment,
		SamplingRate:   cfg.Trace.SamplingRate,
		Enabled:        cfg.Trace.Enabled,
	})
	if err != nil {
		return err
	}
	defer tracer.Shutdown(context.Background())

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(metrics.CollectorConfig{
			Namespace:            cfg.Metrics.Namespace,
			EnableGoMetrics:      true,
			EnableProcessMetrics: true,
		})
		go func() {
			if err := collector.Serve(cfg.Metrics.Addr); err != nil {
				logger.Error("metrics endpoint stopped", logging.Error(err))
			}
		}()
	}

	// Datasets
	tokenizer := local.NewHashTokenizer(vocabSize)
	dataset, err := local.LoadJSONLDataset(cfg.Data.Dataset, tokenizer, local.DatasetOptions{
		MaxLen:      cfg.Data.MaxLen,
		MaxSamples:  cfg.Data.MaxSamples,
		PromptKey:   cfg.Data.PromptKey,
		ChosenKey:   cfg.Data.ChosenKey,
		RejectedKey: cfg.Data.RejectedKey,
	})
	if err != nil {
		return err
	}
	trainSet, evalSet := dataset.Split(cfg.Data.TrainSplitRatio)
	logger.Info("dataset loaded",
		logging.Int("train_pairs", trainSet.Len()),
		logging.Int("eval_pairs", evalSet.Len()),
	)

	// Model and losses
	valueHeadDim := 1
	if cfg.Model.IsGeneralPreference {
		valueHeadDim = cfg.Model.ValueHeadDim
	}
	model, err := local.NewLinearPreferenceModel(cfg.Model.HiddenSize, valueHeadDim, cfg.Model.AddPromptHead, cfg.Job.Seed)
	if err != nil {
		return err
	}

	loss, err := gpm.ResolveLoss(gpm.LossConfig{
		IsGeneralPreference: cfg.Model.IsGeneralPreference,
		ValueHeadDim:        valueHeadDim,
		AddPromptHead:       cfg.Model.AddPromptHead,
		Tau:                 cfg.Model.GeneralPreferenceTau,
		ComputeFP32:         cfg.Train.ComputeFP32Loss,
	}, model)
	if err != nil {
		return err
	}

	var auxLoss gpm.AuxLoss
	if cfg.Train.AuxLossCoef > 0 {
		auxLoss, err = gpm.ResolveAuxLoss(cfg.Train.AuxLossType, cfg.Model.RewardScalerBeta, cfg.Train.RewardMargin, false)
		if err != nil {
			return err
		}
	}

	var assembler training.BatchAssembler
	if cfg.Train.PackingSamples {
		assembler = gpm.NewPackedAssembler(auxLoss != nil)
	} else {
		assembler = gpm.NewConcatAssembler(tokenizer.PadID(), auxLoss != nil)
	}

	// Loaders
	worldSize := cfg.Job.WorldSize
	accum := cfg.Train.AccumulatedGradient(worldSize)
	microBatch := cfg.Train.MicroTrainBatchSize

	trainLoader, err := local.NewLoader(trainSet, microBatch, cfg.Job.Rank, worldSize, cfg.Job.Seed, true)
	if err != nil {
		return err
	}
	updatesPerEpoch := trainLoader.Len() / accum
	if updatesPerEpoch < 1 {
		updatesPerEpoch = 1
	}

	// Runtime, optionally backed by object storage
	var store storage.ObjectStore
	if cfg.Storage.Enabled {
		client, err := miniostore.NewClient(ctx, miniostore.Config{
			Endpoint:        cfg.Storage.Endpoint,
			AccessKeyID:     cfg.Storage.AccessKeyID,
			SecretAccessKey: cfg.Storage.SecretAccessKey,
			UseSSL:          cfg.Storage.UseSSL,
			Region:          cfg.Storage.Region,
		})
		if err != nil {
			return err
		}
		defer client.Close()
		if err := client.EnsureBucket(ctx, cfg.Storage.Bucket, cfg.Storage.Region); err != nil {
			return err
		}
		store = client
	}

	runtime, err := local.NewRuntime(local.RuntimeConfig{
		Rank:                cfg.Job.Rank,
		WorldSize:           worldSize,
		AccumulatedGradient: accum,
		LearningRate:        cfg.Train.LearningRate,
		AdamBetas:           cfg.Train.AdamBetas,
		L2:                  cfg.Train.L2,
		MaxNorm:             cfg.Train.MaxNorm,
		TotalSteps:          cfg.Train.MaxEpochs * updatesPerEpoch,
		WarmupRatio:         cfg.Train.LRWarmupRatio,
		MinLRRatio:          0.1,
		CkptDir:             cfg.Checkpoint.CkptPath,
		MaxCkptNum:          cfg.Checkpoint.MaxCkptNum,
		Store:               store,
		Bucket:              cfg.Storage.Bucket,
		UploadTimeout:       cfg.Checkpoint.UploadTimeout,
	}, logger)
	if err != nil {
		return err
	}

	// Resume
	consumedSamples := 0
	if cfg.Checkpoint.LoadCheckpoint {
		ckpt, err := runtime.LoadCheckpoint(ctx)
		if err != nil {
			return err
		}
		if ckpt != nil {
			if err := model.LoadParameters(ckpt.Parameters); err != nil {
				return err
			}
			consumedSamples = ckpt.ClientState["consumed_samples"]
		}
	}

	// Tracker sink: a JSONL run file, written by rank zero only
	runFile := filepath.Join(cfg.Checkpoint.SavePath, "runs", cfg.RunName()+".jsonl")
	fileSink, err := training.NewFileSink(runFile)
	if err != nil {
		return err
	}
	defer fileSink.Close()
	sink := training.RankZeroSink(cfg.Job.Rank, fileSink)

	var evaluator *gpm.Evaluator
	if evalSet.Len() > 0 {
		evalLoader, err := local.NewLoader(evalSet, microBatch, cfg.Job.Rank, worldSize, cfg.Job.Seed, false)
		if err != nil {
			return err
		}
		evaluator, err = gpm.NewEvaluator(gpm.EvaluatorDeps{
			Model:        model,
			Loss:         loss,
			Assembler:    assembler,
			Runtime:      runtime,
			EvalData:     evalLoader,
			Sink:         sink,
			Logger:       logger,
			Tracer:       tracer,
			Collector:    collector,
			MarginLoss:   cfg.Train.MarginLoss,
			RewardMargin: cfg.Train.RewardMargin,
			JobID:        cfg.Job.JobID,
		})
		if err != nil {
			return err
		}
	}

	trainer, err := gpm.NewTrainer(gpm.TrainerConfig{
		MaxEpochs:           cfg.Train.MaxEpochs,
		TrainBatchSize:      cfg.Train.TrainBatchSize,
		AccumulatedGradient: accum,
		LoggingSteps:        cfg.Train.LoggingSteps,
		EvalSteps:           cfg.Train.EvalSteps,
		SaveSteps:           cfg.Train.SaveSteps,
		AuxLossCoef:         cfg.Train.AuxLossCoef,
		MarginLoss:          cfg.Train.MarginLoss,
		RewardMargin:        cfg.Train.RewardMargin,
		SaveBestModel:       cfg.Train.SaveBestModel,
		JobID:               cfg.Job.JobID,
	}, gpm.TrainerDeps{
		Model:     model,
		Trainable: model,
		Loss:      loss,
		AuxLoss:   auxLoss,
		Assembler: assembler,
		Runtime:   runtime,
		TrainData: trainLoader,
		Evaluator: evaluator,
		Sink:      sink,
		Logger:    logger,
		Tracer:    tracer,
		Collector: collector,
	})
	if err != nil {
		return err
	}

	if err := trainer.Fit(ctx, consumedSamples, updatesPerEpoch); err != nil {
		return err
	}

	if runtime.IsRankZero() {
		if err := saveFinalModel(cfg.Checkpoint.SavePath, model); err != nil {
			return err
		}
		logger.Info("final model saved", logging.String("path", cfg.Checkpoint.SavePath))
	}
	return nil
}

func buildLogger(cfg *config.Config) (logging.Logger, error) {
	logCfg := logging.LogConfig{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		FilePath:   cfg.Log.FilePath,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	}
	if cfg.Log.Output == "file" && cfg.Log.FilePath != "" {
		return logging.NewZapLoggerWithRotation(logCfg)
	}
	return logging.NewZapLogger(logCfg)
}

// saveFinalModel writes the trained parameters next to the run outputs
func saveFinalModel(savePath string, model *local.LinearPreferenceModel) error {
	if err := os.MkdirAll(savePath, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(map[string]interface{}{
		"parameters":     model.Parameters(),
		"value_head_dim": model.ValueHeadDim(),
	})
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(savePath, "model.json"), data, 0o644)
}
