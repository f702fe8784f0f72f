package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ============================================================================
// Configuration Loader
// ============================================================================

// Loader loads and watches trainer configuration
type Loader struct {
	v        *viper.Viper
	mu       sync.RWMutex
	current  *Config
	onChange []func(*Config)
}

// NewLoader creates a configuration loader
func NewLoader() *Loader {
	v := viper.New()
	v.SetEnvPrefix("GPM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Loader{v: v}
}

// Load reads configuration from the given file, applies environment
// overrides, validates, and returns the result. An empty path loads
// defaults plus environment only.
func (l *Loader) Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	applyDefaults(l.v, cfg)

	if path != "" {
		l.v.SetConfigFile(path)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()

	return cfg, nil
}

// Current returns the most recently loaded configuration
func (l *Loader) Current() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked after a successful hot reload
func (l *Loader) OnChange(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch enables hot reload of the configuration file. A reload that
// fails validation keeps the previous configuration.
func (l *Loader) Watch() {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg := DefaultConfig()
		if err := l.v.Unmarshal(cfg); err != nil {
			return
		}
		if err := cfg.Validate(); err != nil {
			return
		}

		l.mu.Lock()
		l.current = cfg
		callbacks := make([]func(*Config), len(l.onChange))
		copy(callbacks, l.onChange)
		l.mu.Unlock()

		for _, fn := range callbacks {
			fn(cfg)
		}
	})
	l.v.WatchConfig()
}

// applyDefaults seeds viper with defaults so environment overrides can
// target keys absent from the file
func applyDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("job.rank", cfg.Job.Rank)
	v.SetDefault("job.world_size", cfg.Job.WorldSize)
	v.SetDefault("job.seed", cfg.Job.Seed)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.output", cfg.Log.Output)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.addr", cfg.Metrics.Addr)
	v.SetDefault("metrics.namespace", cfg.Metrics.Namespace)

	v.SetDefault("trace.enabled", cfg.Trace.Enabled)
	v.SetDefault("trace.service_name", cfg.Trace.ServiceName)
	v.SetDefault("trace.environment", cfg.Trace.Environment)
	v.SetDefault("trace.sampling_rate", cfg.Trace.SamplingRate)

	v.SetDefault("model.hidden_size", cfg.Model.HiddenSize)
	v.SetDefault("model.value_head_dim", cfg.Model.ValueHeadDim)
	v.SetDefault("model.general_preference_tau", cfg.Model.GeneralPreferenceTau)
	v.SetDefault("model.reward_scaler_beta", cfg.Model.RewardScalerBeta)

	v.SetDefault("train.max_epochs", cfg.Train.MaxEpochs)
	v.SetDefault("train.train_batch_size", cfg.Train.TrainBatchSize)
	v.SetDefault("train.micro_train_batch_size", cfg.Train.MicroTrainBatchSize)
	v.SetDefault("train.learning_rate", cfg.Train.LearningRate)
	v.SetDefault("train.lr_warmup_ratio", cfg.Train.LRWarmupRatio)
	v.SetDefault("train.l2", cfg.Train.L2)
	v.SetDefault("train.max_norm", cfg.Train.MaxNorm)
	v.SetDefault("train.aux_loss_coef", cfg.Train.AuxLossCoef)
	v.SetDefault("train.aux_loss_type", cfg.Train.AuxLossType)
	v.SetDefault("train.logging_steps", cfg.Train.LoggingSteps)
	v.SetDefault("train.eval_steps", cfg.Train.EvalSteps)
	v.SetDefault("train.save_steps", cfg.Train.SaveSteps)

	v.SetDefault("data.dataset_probs", cfg.Data.DatasetProbs)
	v.SetDefault("data.train_split", cfg.Data.TrainSplit)
	v.SetDefault("data.eval_split", cfg.Data.EvalSplit)
	v.SetDefault("data.train_split_ratio", cfg.Data.TrainSplitRatio)
	v.SetDefault("data.max_len", cfg.Data.MaxLen)
	v.SetDefault("data.prompt_key", cfg.Data.PromptKey)
	v.SetDefault("data.chosen_key", cfg.Data.ChosenKey)
	v.SetDefault("data.rejected_key", cfg.Data.RejectedKey)

	v.SetDefault("checkpoint.save_path", cfg.Checkpoint.SavePath)
	v.SetDefault("checkpoint.ckpt_path", cfg.Checkpoint.CkptPath)
	v.SetDefault("checkpoint.max_ckpt_num", cfg.Checkpoint.MaxCkptNum)
	v.SetDefault("checkpoint.upload_timeout", cfg.Checkpoint.UploadTimeout)
}
