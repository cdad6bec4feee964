package config

import (
	"errors"
	"fmt"
	"strings"
)

// Job configures one SageMaker training job submission.
type Job struct {
	SageMaker SageMaker   `yaml:"SAGEMAKER"`
	ECR       ECR         `yaml:"ECR"`
	S3        S3          `yaml:"S3"`
	Container Container   `yaml:"CONTAINER"`
	Training  JobTraining `yaml:"TRAINING"`
}

type SageMaker struct {
	// ARN of the SageMaker execution role.
	ARN string `yaml:"ARN"`

	// InstanceType is an ml.* instance type, or local / local_gpu to run the
	// container entry point on this machine.
	InstanceType  string `yaml:"INSTANCE_TYPE"`
	InstanceCount int    `yaml:"INSTANCE_COUNT"`
	SpotInstance  bool   `yaml:"SPOT_INSTANCE"`
	JobName       string `yaml:"JOB_NAME"`

	// MaxWaitTime bounds, in seconds, how long a spot job may wait for capacity.
	MaxWaitTime  int    `yaml:"MAX_WAIT_TIME"`
	MaxRunTime   int    `yaml:"MAX_RUN_TIME"`
	VolumeSizeGB int    `yaml:"VOLUME_SIZE_GB"`
	Region       string `yaml:"REGION"`
}

type ECR struct {
	ImageName string `yaml:"IMAGE_NAME"`
	Tag       string `yaml:"TAG"`
}

type S3 struct {
	// TrainingData is the s3:// URI of the image dataset.
	TrainingData           string `yaml:"TRAINING_DATA"`
	SageMakerResultsBucket string `yaml:"SAGEMAKER_RESULTS_BUCKET"`

	// ExperimentName prefixes every object written for this job and may
	// contain slashes.
	ExperimentName string `yaml:"EXPERIMENT_NAME"`
	ConfigFolder   string `yaml:"CONFIG_FOLDER"`
	CheckpointDir  string `yaml:"CHECKPOINT_DIR"`
	OutputDir      string `yaml:"OUTPUT_DIR"`
}

type Container struct {
	// OutputDir is synced with the S3 checkpoint location while training.
	OutputDir      string `yaml:"OUTPUT_DIR"`
	DatasetBaseDir string `yaml:"DATASET_BASE_DIR"`
}

type JobTraining struct {
	ConfigFile string `yaml:"CONFIG_FILE"`
}

// DefaultJob returns the job config defaults.
func DefaultJob() *Job {
	return &Job{
		SageMaker: SageMaker{
			InstanceType:  "local_gpu",
			InstanceCount: 1,
			JobName:       "sagemaker-training-job",
			MaxWaitTime:   86400,
			MaxRunTime:    86400,
			VolumeSizeGB:  30,
		},
		ECR: ECR{
			ImageName: "docker_image_name",
			Tag:       "latest",
		},
		S3: S3{
			ExperimentName: "user_1/experiment_1",
			ConfigFolder:   "configs",
			CheckpointDir:  "model_outputs",
			OutputDir:      "sagemaker_outputs",
		},
		Container: Container{
			OutputDir:      "/opt/model_outputs",
			DatasetBaseDir: "/opt/ml/datasets",
		},
		Training: JobTraining{
			ConfigFile: "configs/train.yaml",
		},
	}
}

// LoadJob reads a job config from path, applies the KEY VALUE overrides and
// validates the result.
func LoadJob(path string, overrides []string) (*Job, error) {
	cfg := DefaultJob()
	if err := MergeFile(cfg, path); err != nil {
		return nil, err
	}
	if err := MergeFromList(cfg, overrides); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsLocal reports whether the job runs on this machine instead of SageMaker.
func (c *Job) IsLocal() bool {
	switch strings.ToLower(c.SageMaker.InstanceType) {
	case "local", "local_gpu", "local-gpu":
		return true
	}
	return false
}

// Validate verifies the job can be submitted.
func (c *Job) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.SageMaker.InstanceType == "" {
		return errors.New("SAGEMAKER.INSTANCE_TYPE must be set")
	}
	if c.SageMaker.InstanceCount <= 0 {
		return fmt.Errorf("SAGEMAKER.INSTANCE_COUNT must be > 0 (got %d)", c.SageMaker.InstanceCount)
	}
	if c.SageMaker.MaxRunTime <= 0 {
		return fmt.Errorf("SAGEMAKER.MAX_RUN_TIME must be > 0 (got %d)", c.SageMaker.MaxRunTime)
	}
	if c.SageMaker.JobName == "" {
		return errors.New("SAGEMAKER.JOB_NAME must be set")
	}
	if c.Training.ConfigFile == "" {
		return errors.New("TRAINING.CONFIG_FILE must be set")
	}
	if c.IsLocal() {
		return nil
	}
	if c.SageMaker.ARN == "" {
		return errors.New("SAGEMAKER.ARN must be set for remote jobs")
	}
	if !strings.HasPrefix(c.S3.TrainingData, "s3://") {
		return fmt.Errorf("S3.TRAINING_DATA must be an s3:// URI (got %q)", c.S3.TrainingData)
	}
	if c.S3.SageMakerResultsBucket == "" {
		return errors.New("S3.SAGEMAKER_RESULTS_BUCKET must be set for remote jobs")
	}
	if c.SageMaker.SpotInstance && c.SageMaker.MaxWaitTime < c.SageMaker.MaxRunTime {
		return fmt.Errorf("SAGEMAKER.MAX_WAIT_TIME (%d) must be >= MAX_RUN_TIME (%d) for spot jobs",
			c.SageMaker.MaxWaitTime, c.SageMaker.MaxRunTime)
	}
	return nil
}
