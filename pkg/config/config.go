// Package config provides configuration management for the trainer.
// It supports YAML files, environment variable overrides, hot reload,
// and struct-tag validation of every run parameter.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ============================================================================
// Root Configuration
// ============================================================================

// Config is the root trainer configuration
type Config struct {
	// Job identifies the run
	Job JobConfig `mapstructure:"job" yaml:"job" validate:"required"`

	// Log configures logging
	Log LogConfig `mapstructure:"log" yaml:"log"`

	// Metrics configures the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Trace configures OpenTelemetry tracing
	Trace TraceConfig `mapstructure:"trace" yaml:"trace"`

	// Model configures the reward model
	Model ModelConfig `mapstructure:"model" yaml:"model" validate:"required"`

	// Train configures the optimization loop
	Train TrainConfig `mapstructure:"train" yaml:"train" validate:"required"`

	// Data configures datasets and batch assembly
	Data DataConfig `mapstructure:"data" yaml:"data" validate:"required"`

	// Checkpoint configures save/resume behavior
	Checkpoint CheckpointConfig `mapstructure:"checkpoint" yaml:"checkpoint"`

	// Wandb configures experiment tracking
	Wandb WandbConfig `mapstructure:"wandb" yaml:"wandb"`

	// Storage configures the checkpoint artifact store
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
}

// JobConfig identifies a training job
type JobConfig struct {
	// JobID is the scheduler-assigned job identifier
	JobID string `mapstructure:"job_id" yaml:"job_id"`

	// Rank of this process in the distributed group
	Rank int `mapstructure:"rank" yaml:"rank" validate:"gte=0"`

	// WorldSize is the total number of processes
	WorldSize int `mapstructure:"world_size" yaml:"world_size" validate:"gte=1"`

	// Seed for data shuffling
	Seed int64 `mapstructure:"seed" yaml:"seed"`
}

// LogConfig configures logging
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level" validate:"omitempty,oneof=debug info warn error fatal"`
	Format     string `mapstructure:"format" yaml:"format" validate:"omitempty,oneof=json console"`
	Output     string `mapstructure:"output" yaml:"output" validate:"omitempty,oneof=stdout stderr file"`
	FilePath   string `mapstructure:"file_path" yaml:"file_path"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr      string `mapstructure:"addr" yaml:"addr"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
}

// TraceConfig configures tracing
type TraceConfig struct {
	Enabled      bool    `mapstructure:"enabled" yaml:"enabled"`
	ServiceName  string  `mapstructure:"service_name" yaml:"service_name"`
	Environment  string  `mapstructure:"environment" yaml:"environment"`
	SamplingRate float64 `mapstructure:"sampling_rate" yaml:"sampling_rate" validate:"gte=0,lte=1"`
}

// ============================================================================
// Model Configuration
// ============================================================================

// ModelConfig configures the reward model and its scoring head
type ModelConfig struct {
	// Pretrain is the base model path or identifier
	Pretrain string `mapstructure:"pretrain" yaml:"pretrain" validate:"required"`

	// HiddenSize of the backbone's final hidden states
	HiddenSize int `mapstructure:"hidden_size" yaml:"hidden_size" validate:"gte=1"`

	// ValueHeadDim is the reward vector dimension per sequence
	ValueHeadDim int `mapstructure:"value_head_dim" yaml:"value_head_dim" validate:"gte=1"`

	// IsGeneralPreference selects vector-valued general preference scoring
	// instead of scalar Bradley-Terry rewards
	IsGeneralPreference bool `mapstructure:"is_general_preference" yaml:"is_general_preference"`

	// AddPromptHead enables the prompt-conditioned gating head
	AddPromptHead bool `mapstructure:"add_prompt_head" yaml:"add_prompt_head"`

	// GeneralPreferenceTau is the softmax temperature of the gating head
	GeneralPreferenceTau float64 `mapstructure:"general_preference_tau" yaml:"general_preference_tau" validate:"gt=0"`

	// RewardScalerBeta scales preference scores before the sigmoid
	RewardScalerBeta float64 `mapstructure:"reward_scaler_beta" yaml:"reward_scaler_beta"`
}

// ============================================================================
// Training Configuration
// ============================================================================

// TrainConfig configures the optimization loop
type TrainConfig struct {
	// MaxEpochs is the number of passes over the training set
	MaxEpochs int `mapstructure:"max_epochs" yaml:"max_epochs" validate:"gte=1"`

	// TrainBatchSize is the global batch size per optimizer update
	TrainBatchSize int `mapstructure:"train_batch_size" yaml:"train_batch_size" validate:"gte=1"`

	// MicroTrainBatchSize is the per-process micro-batch size
	MicroTrainBatchSize int `mapstructure:"micro_train_batch_size" yaml:"micro_train_batch_size" validate:"gte=1"`

	// LearningRate is the peak learning rate
	LearningRate float64 `mapstructure:"learning_rate" yaml:"learning_rate" validate:"gt=0"`

	// LRWarmupRatio is the fraction of total steps spent warming up
	LRWarmupRatio float64 `mapstructure:"lr_warmup_ratio" yaml:"lr_warmup_ratio" validate:"gte=0,lte=1"`

	// AdamBetas are the optimizer momentum coefficients
	AdamBetas [2]float64 `mapstructure:"adam_betas" yaml:"adam_betas"`

	// L2 is the weight decay coefficient
	L2 float64 `mapstructure:"l2" yaml:"l2" validate:"gte=0"`

	// MaxNorm is the gradient clipping norm
	MaxNorm float64 `mapstructure:"max_norm" yaml:"max_norm" validate:"gte=0"`

	// AuxLossCoef blends the auxiliary language-model loss into the
	// preference loss; zero disables the auxiliary pass
	AuxLossCoef float64 `mapstructure:"aux_loss_coef" yaml:"aux_loss_coef" validate:"gte=0,lte=1"`

	// AuxLossType selects the auxiliary objective (sft, dpo)
	AuxLossType string `mapstructure:"aux_loss_type" yaml:"aux_loss_type" validate:"omitempty,oneof=sft dpo"`

	// MarginLoss subtracts per-pair margins from the preference score
	MarginLoss bool `mapstructure:"margin_loss" yaml:"margin_loss"`

	// RewardMargin is the constant margin used when MarginLoss is set
	RewardMargin float64 `mapstructure:"reward_margin" yaml:"reward_margin"`

	// ComputeFP32Loss keeps full float precision in the loss computation
	ComputeFP32Loss bool `mapstructure:"compute_fp32_loss" yaml:"compute_fp32_loss"`

	// PackingSamples selects the packed batch layout
	PackingSamples bool `mapstructure:"packing_samples" yaml:"packing_samples"`

	// LoggingSteps is the micro-batch interval between metric emissions
	LoggingSteps int `mapstructure:"logging_steps" yaml:"logging_steps" validate:"gte=1"`

	// EvalSteps is the global-step interval between evaluation passes;
	// -1 defaults to once per epoch
	EvalSteps int `mapstructure:"eval_steps" yaml:"eval_steps"`

	// SaveSteps is the global-step interval between checkpoints;
	// -1 disables interval checkpointing
	SaveSteps int `mapstructure:"save_steps" yaml:"save_steps"`

	// SaveBestModel keeps the checkpoint with the lowest eval loss
	SaveBestModel bool `mapstructure:"save_best_model" yaml:"save_best_model"`
}

// AccumulatedGradient returns the number of micro-batches per optimizer
// update for this process group
func (c TrainConfig) AccumulatedGradient(worldSize int) int {
	if worldSize < 1 {
		worldSize = 1
	}
	denom := c.MicroTrainBatchSize * worldSize
	if denom == 0 {
		return 1
	}
	accum := c.TrainBatchSize / denom
	if accum < 1 {
		accum = 1
	}
	return accum
}

// ============================================================================
// Data Configuration
// ============================================================================

// DataConfig configures datasets and batch assembly
type DataConfig struct {
	// Dataset is the preference dataset path or identifier
	Dataset string `mapstructure:"dataset" yaml:"dataset" validate:"required"`

	// DatasetProbs weights dataset mixing ("1.0" for a single set)
	DatasetProbs string `mapstructure:"dataset_probs" yaml:"dataset_probs"`

	// TrainSplit and EvalSplit name the splits to load
	TrainSplit string `mapstructure:"train_split" yaml:"train_split"`
	EvalSplit  string `mapstructure:"eval_split" yaml:"eval_split"`

	// TrainSplitRatio carves an eval subset off a single dataset; 1.0
	// trains on everything and disables evaluation
	TrainSplitRatio float64 `mapstructure:"train_split_ratio" yaml:"train_split_ratio" validate:"gt=0,lte=1"`

	// MaxLen caps tokenized sequence length
	MaxLen int `mapstructure:"max_len" yaml:"max_len" validate:"gte=1"`

	// MaxSamples caps the number of training samples
	MaxSamples int `mapstructure:"max_samples" yaml:"max_samples"`

	// PromptKey, ChosenKey, RejectedKey select dataset fields
	PromptKey   string `mapstructure:"prompt_key" yaml:"prompt_key"`
	ChosenKey   string `mapstructure:"chosen_key" yaml:"chosen_key"`
	RejectedKey string `mapstructure:"rejected_key" yaml:"rejected_key"`

	// ApplyChatTemplate renders conversations with the tokenizer template
	ApplyChatTemplate bool `mapstructure:"apply_chat_template" yaml:"apply_chat_template"`
}

// CheckpointConfig configures save/resume behavior
type CheckpointConfig struct {
	// SavePath is where the final model is written
	SavePath string `mapstructure:"save_path" yaml:"save_path"`

	// CkptPath is the directory for intermediate checkpoints
	CkptPath string `mapstructure:"ckpt_path" yaml:"ckpt_path"`

	// MaxCkptNum bounds retained checkpoints
	MaxCkptNum int `mapstructure:"max_ckpt_num" yaml:"max_ckpt_num" validate:"gte=1"`

	// LoadCheckpoint resumes from the latest checkpoint under CkptPath
	LoadCheckpoint bool `mapstructure:"load_checkpoint" yaml:"load_checkpoint"`

	// UploadTimeout bounds artifact uploads
	UploadTimeout time.Duration `mapstructure:"upload_timeout" yaml:"upload_timeout"`
}

// WandbConfig configures experiment tracking
type WandbConfig struct {
	APIKey  string `mapstructure:"api_key" yaml:"api_key"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	Org     string `mapstructure:"org" yaml:"org"`
	Project string `mapstructure:"project" yaml:"project"`
	Group   string `mapstructure:"group" yaml:"group"`
	RunName string `mapstructure:"run_name" yaml:"run_name"`
}

// StorageConfig configures the MinIO artifact store
type StorageConfig struct {
	Enabled         bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl" yaml:"use_ssl"`
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	Region          string `mapstructure:"region" yaml:"region"`
}

// ============================================================================
// Derived Values and Validation
// ============================================================================

// RunName returns the tracker run name, derived from the model, dataset
// and batch shape when not set explicitly.
func (c *Config) RunName() string {
	if c.Wandb.RunName != "" {
		return c.Wandb.RunName
	}
	model := lastPathSegment(c.Model.Pretrain)
	dataset := lastPathSegment(c.Data.Dataset)
	return fmt.Sprintf("GPM_M_%s_D_%s_mbs%d_%depoch_jobid_%s_%s",
		model, dataset,
		c.Train.MicroTrainBatchSize, c.Train.MaxEpochs,
		c.Job.JobID, time.Now().Format("20060102T150405"),
	)
}

func lastPathSegment(p string) string {
	p = strings.TrimRight(p, "/")
	if idx := strings.LastIndex(p, "/"); idx >= 0 {
		return p[idx+1:]
	}
	return p
}

// Validate checks the configuration for struct-tag and cross-field
// constraint violations
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	if c.Model.IsGeneralPreference && c.Model.ValueHeadDim%2 != 0 {
		return fmt.Errorf("config validation failed: value_head_dim must be even for general preference models, got %d", c.Model.ValueHeadDim)
	}
	if c.Model.AddPromptHead && !c.Model.IsGeneralPreference {
		return fmt.Errorf("config validation failed: add_prompt_head requires is_general_preference")
	}
	if c.Train.TrainBatchSize%c.Train.MicroTrainBatchSize != 0 {
		return fmt.Errorf("config validation failed: train_batch_size %d not divisible by micro_train_batch_size %d",
			c.Train.TrainBatchSize, c.Train.MicroTrainBatchSize)
	}
	if c.Train.AuxLossCoef > 0 && c.Train.AuxLossType == "" {
		return fmt.Errorf("config validation failed: aux_loss_type required when aux_loss_coef > 0")
	}
	if c.Storage.Enabled && c.Storage.Endpoint == "" {
		return fmt.Errorf("config validation failed: storage endpoint required when storage is enabled")
	}
	return nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Job: JobConfig{
			Rank:      0,
			WorldSize: 1,
			Seed:      42,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Addr:      ":9090",
			Namespace: "gpm_trainer",
		},
		Trace: TraceConfig{
			Enabled:      false,
			ServiceName:  "gpm-trainer",
			Environment:  "local",
			SamplingRate: 1.0,
		},
		Model: ModelConfig{
			HiddenSize:           64,
			ValueHeadDim:         2,
			GeneralPreferenceTau: 0.1,
			RewardScalerBeta:     2.0,
		},
		Train: TrainConfig{
			MaxEpochs:           1,
			TrainBatchSize:      128,
			MicroTrainBatchSize: 1,
			LearningRate:        9e-6,
			LRWarmupRatio:       0.03,
			AdamBetas:           [2]float64{0.9, 0.95},
			L2:                  0.0,
			MaxNorm:             1.0,
			AuxLossCoef:         0.0,
			AuxLossType:         "sft",
			LoggingSteps:        1,
			EvalSteps:           -1,
			SaveSteps:           -1,
		},
		Data: DataConfig{
			DatasetProbs:    "1.0",
			TrainSplit:      "train",
			EvalSplit:       "test",
			TrainSplitRatio: 0.95,
			MaxLen:          512,
			PromptKey:       "prompt",
			ChosenKey:       "chosen",
			RejectedKey:     "rejected",
		},
		Checkpoint: CheckpointConfig{
			SavePath:      "./ckpt/gpm",
			CkptPath:      "./ckpt/checkpoints_gpm",
			MaxCkptNum:    3,
			UploadTimeout: 5 * time.Minute,
		},
	}
}
