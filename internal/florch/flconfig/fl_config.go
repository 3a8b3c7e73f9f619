package flconfig

import (
	"errors"
	"fmt"
	"os"

	"github.com/Kitsuya0828/DSFLplus/internal/common"
	"github.com/Kitsuya0828/DSFLplus/internal/dataset"
	"github.com/Kitsuya0828/DSFLplus/internal/florch/cost"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfiguration = errors.New("invalid configuration")

// FlConfiguration is the full set of values a simulation run consumes. The same struct is read
// from YAML files by the CLI and from JSON bodies by the HTTP server.
type FlConfiguration struct {
	Algorithm          string                  `yaml:"algorithm" json:"algorithm"`
	Dataset            dataset.SyntheticConfig `yaml:"dataset" json:"dataset"`
	TotalClients       int                     `yaml:"total_clients" json:"totalClients"`
	SampleRatio        float64                 `yaml:"sample_ratio" json:"sampleRatio"`
	ComRounds          int                     `yaml:"com_rounds" json:"comRounds"`
	PublicSizePerRound int                     `yaml:"public_size_per_round" json:"publicSizePerRound"`
	Temperature        float64                 `yaml:"temperature" json:"temperature"`

	Epochs       int     `yaml:"epochs" json:"epochs"`
	BatchSize    int     `yaml:"batch_size" json:"batchSize"`
	LearningRate float64 `yaml:"lr" json:"lr"`
	Momentum     float64 `yaml:"momentum" json:"momentum"`
	KdEpochs     int     `yaml:"kd_epochs" json:"kdEpochs"`
	KdBatchSize  int     `yaml:"kd_batch_size" json:"kdBatchSize"`
	KdLr         float64 `yaml:"kd_lr" json:"kdLr"`

	OodDetectionScore          string  `yaml:"ood_detection_score" json:"oodDetectionScore"`
	OodDetectionThresholdDelta float64 `yaml:"ood_detection_threshold_delta" json:"oodDetectionThresholdDelta"`
	OodTargetAcceptance        float64 `yaml:"ood_target_acceptance" json:"oodTargetAcceptance"`

	EvalEvery int    `yaml:"eval_every" json:"evalEvery"`
	Seed      uint64 `yaml:"seed" json:"seed"`

	StateBackend string `yaml:"state_backend" json:"stateBackend"`
	StateRoot    string `yaml:"state_root" json:"stateRoot"`
	ResultsDir   string `yaml:"results_dir" json:"resultsDir"`
	LogLevel     string `yaml:"log_level" json:"logLevel"`

	Cost cost.CostConfiguration `yaml:"cost" json:"cost"`
}

func DefaultFlConfiguration() *FlConfiguration {
	return &FlConfiguration{
		Algorithm: common.ALGORITHM_DSFL_PLUS,
		Dataset: dataset.SyntheticConfig{
			NumClasses:         10,
			NumFeatures:        20,
			PublicSize:         2000,
			PrivateSize:        10000,
			TestSize:           2000,
			ClassSeparation:    3.0,
			Partition:          common.PARTITION_SHARDS,
			NumShardsPerClient: 2,
			DirAlpha:           0.3,
			PublicPrivateSplit: common.SPLIT_EVEN_CLASS,
		},
		TotalClients:               100,
		SampleRatio:                1.0,
		ComRounds:                  20,
		PublicSizePerRound:         1000,
		Temperature:                0.1,
		Epochs:                     5,
		BatchSize:                  100,
		LearningRate:               0.1,
		KdEpochs:                   5,
		KdBatchSize:                100,
		KdLr:                       0.1,
		OodDetectionScore:          common.OOD_SCORE_ENERGY,
		OodDetectionThresholdDelta: 0.01,
		OodTargetAcceptance:        0.9,
		EvalEvery:                  1,
		Seed:                       42,
		StateBackend:               common.STATE_BACKEND_DIR,
		StateRoot:                  os.TempDir(),
		ResultsDir:                 common.RESULTS_DIR,
		LogLevel:                   "DEBUG",
	}
}

// LoadFromFile reads a YAML file on top of the defaults, so a file only needs the values it changes.
func LoadFromFile(path string) (*FlConfiguration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := DefaultFlConfiguration()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse %s: %v: %w", path, err, ErrInvalidConfiguration)
	}

	return config, config.Validate()
}

func (config *FlConfiguration) Validate() error {
	switch config.Algorithm {
	case common.ALGORITHM_SINGLE, common.ALGORITHM_DSFL, common.ALGORITHM_DSFL_PLUS:
	default:
		return invalid("invalid algorithm: %s", config.Algorithm)
	}

	// only dsflplus scores its votes, the other algorithms may leave the score unset
	switch config.OodDetectionScore {
	case common.OOD_SCORE_ENERGY, common.OOD_SCORE_MSP, common.OOD_SCORE_MAX_LOGIT, common.OOD_SCORE_GEN,
		common.OOD_SCORE_RANDOM:
	case "":
		if config.Algorithm == common.ALGORITHM_DSFL_PLUS {
			return invalid("ood_detection_score is required for %s", config.Algorithm)
		}
	default:
		return invalid("invalid ood detection score: %s", config.OodDetectionScore)
	}

	switch config.StateBackend {
	case common.STATE_BACKEND_DIR, common.STATE_BACKEND_BOLT:
	default:
		return invalid("invalid state backend: %s", config.StateBackend)
	}

	switch config.Dataset.Partition {
	case common.PARTITION_SHARDS, common.PARTITION_HETERO_DIR, common.PARTITION_CLIENT_INNER_DIR:
	default:
		return invalid("invalid partition: %s", config.Dataset.Partition)
	}

	switch config.Dataset.PublicPrivateSplit {
	case common.SPLIT_EVEN_CLASS, common.SPLIT_RANDOM_SAMPLE:
	default:
		return invalid("invalid public/private split: %s", config.Dataset.PublicPrivateSplit)
	}

	positive := []struct {
		name  string
		value int
	}{
		{"total_clients", config.TotalClients},
		{"com_rounds", config.ComRounds},
		{"public_size_per_round", config.PublicSizePerRound},
		{"epochs", config.Epochs},
		{"batch_size", config.BatchSize},
		{"kd_epochs", config.KdEpochs},
		{"kd_batch_size", config.KdBatchSize},
		{"eval_every", config.EvalEvery},
		{"dataset.public_size", config.Dataset.PublicSize},
		{"dataset.private_size", config.Dataset.PrivateSize},
		{"dataset.test_size", config.Dataset.TestSize},
	}
	for _, field := range positive {
		if field.value <= 0 {
			return invalid("%s must be positive, got %d", field.name, field.value)
		}
	}

	if config.SampleRatio < 0 || config.SampleRatio > 1 {
		return invalid("sample_ratio must be in [0, 1], got %v", config.SampleRatio)
	}
	if config.Temperature <= 0 {
		return invalid("temperature must be positive, got %v", config.Temperature)
	}
	if config.LearningRate <= 0 || config.KdLr <= 0 {
		return invalid("learning rates must be positive, got lr=%v kd_lr=%v", config.LearningRate, config.KdLr)
	}
	if config.Momentum < 0 || config.Momentum >= 1 {
		return invalid("momentum must be in [0, 1), got %v", config.Momentum)
	}
	if config.OodDetectionThresholdDelta < 0 {
		return invalid("ood_detection_threshold_delta must not be negative, got %v", config.OodDetectionThresholdDelta)
	}
	if config.OodTargetAcceptance <= 0 || config.OodTargetAcceptance > 1 {
		return invalid("ood_target_acceptance must be in (0, 1], got %v", config.OodTargetAcceptance)
	}

	if err := config.Cost.Validate(); err != nil {
		return invalid("%v", err)
	}

	return nil
}

// String renders the configuration as YAML for the run log.
func (config *FlConfiguration) String() string {
	out, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Sprintf("%+v", *config)
	}
	return string(out)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidConfiguration)
}
