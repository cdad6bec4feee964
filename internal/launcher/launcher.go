// Package launcher submits the DCGAN training container as a SageMaker
// training job.
package launcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/sagemaker"
	"github.com/aws/aws-sdk-go/service/sagemaker/sagemakeriface"
	"github.com/aws/aws-sdk-go/service/sts"
	"github.com/aws/aws-sdk-go/service/sts/stsiface"

	"dcgan-sagemaker/internal/config"
)

// ErrLocalMode is returned by Launch when the job config selects a local
// instance type; the caller runs the container entry point itself.
var ErrLocalMode = errors.New("launcher: local instance type, no SageMaker job submitted")

// Channel names the training container reads as SM_CHANNEL_<NAME>.
const (
	ChannelTrainData   = "traindata"
	ChannelTrainConfig = "traincfg"
)

// Job describes a submitted training job.
type Job struct {
	Name           string
	ARN            string
	ImageURI       string
	TrainConfigURI string
	JobConfigURI   string
	OutputURI      string
	CheckpointURI  string
}

// Launcher uploads the configs and creates the training job.
type Launcher struct {
	Config *config.Job
	// ConfigPath is the job config file; it is uploaded next to the
	// training config for reference.
	ConfigPath string

	S3        s3iface.S3API
	STS       stsiface.STSAPI
	SageMaker sagemakeriface.SageMakerAPI
	Region    string

	Logger *log.Logger
	Now    func() time.Time
}

// NewSession opens an AWS session in the configured region, falling back
// to the shared config and environment.
func NewSession(cfg *config.Job) (*session.Session, error) {
	opts := session.Options{SharedConfigState: session.SharedConfigEnable}
	if cfg.SageMaker.Region != "" {
		opts.Config.Region = aws.String(cfg.SageMaker.Region)
	}
	sess, err := session.NewSessionWithOptions(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, nil
}

// New wires a Launcher to the AWS services of sess.
func New(sess *session.Session, cfg *config.Job, configPath string, logger *log.Logger) *Launcher {
	return &Launcher{
		Config:     cfg,
		ConfigPath: configPath,
		S3:         s3.New(sess),
		STS:        sts.New(sess),
		SageMaker:  sagemaker.New(sess),
		Region:     aws.StringValue(sess.Config.Region),
		Logger:     logger,
		Now:        time.Now,
	}
}

func (l *Launcher) logger() *log.Logger {
	if l.Logger == nil {
		return log.Default()
	}
	return l.Logger
}

// Launch uploads the configs and creates the training job. It returns
// ErrLocalMode without touching AWS when the config selects a local
// instance type.
func (l *Launcher) Launch(ctx context.Context) (Job, error) {
	cfg := l.Config
	if cfg.IsLocal() {
		return Job{}, ErrLocalMode
	}
	if l.Region == "" {
		return Job{}, errors.New("launcher: AWS region is not set")
	}
	now := time.Now
	if l.Now != nil {
		now = l.Now
	}

	bucket := cfg.S3.SageMakerResultsBucket
	experiment := cfg.S3.ExperimentName
	job := Job{
		CheckpointURI: S3URI(bucket, experiment, cfg.S3.CheckpointDir),
		OutputURI:     S3URI(bucket, experiment, cfg.S3.OutputDir),
	}

	prefix := path.Join(experiment, cfg.S3.ConfigFolder)
	var err error
	job.TrainConfigURI, err = l.upload(ctx, bucket, prefix, cfg.Training.ConfigFile)
	if err != nil {
		return Job{}, err
	}
	l.logger().Printf("Training config uploaded to %s", job.TrainConfigURI)
	if l.ConfigPath != "" {
		job.JobConfigURI, err = l.upload(ctx, bucket, prefix, l.ConfigPath)
		if err != nil {
			return Job{}, err
		}
		l.logger().Printf("SageMaker job config uploaded to %s", job.JobConfigURI)
	}

	identity, err := l.STS.GetCallerIdentityWithContext(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return Job{}, fmt.Errorf("resolve account: %w", err)
	}
	job.ImageURI = ImageURI(aws.StringValue(identity.Account), l.Region, cfg.ECR.ImageName, cfg.ECR.Tag)
	job.Name = JobName(cfg.SageMaker.JobName, now())

	req, err := l.request(job)
	if err != nil {
		return Job{}, err
	}
	out, err := l.SageMaker.CreateTrainingJobWithContext(ctx, req)
	if err != nil {
		return Job{}, fmt.Errorf("create training job %s: %w", job.Name, err)
	}
	job.ARN = aws.StringValue(out.TrainingJobArn)
	l.logger().Printf("job=%s arn=%s image=%s instance=%s x%d spot=%t",
		job.Name, job.ARN, job.ImageURI, cfg.SageMaker.InstanceType, cfg.SageMaker.InstanceCount, cfg.SageMaker.SpotInstance)
	return job, nil
}

func (l *Launcher) upload(ctx context.Context, bucket, prefix, file string) (string, error) {
	f, err := os.Open(file)
	if err != nil {
		return "", fmt.Errorf("upload config: %w", err)
	}
	defer f.Close()

	key := path.Join(prefix, filepath.Base(file))
	_, err = l.S3.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", file, err)
	}
	return S3URI(bucket, key), nil
}

// Hyperparameters returns the container arguments of the job. Values are
// JSON encoded the way the SageMaker SDKs submit them.
func (l *Launcher) Hyperparameters() (map[string]*string, error) {
	cfg := l.Config
	raw := map[string]string{
		"dataset_base_dir":   cfg.Container.DatasetBaseDir,
		"train_cfg_filename": filepath.Base(cfg.Training.ConfigFile),
		"output_dir":         cfg.Container.OutputDir,
	}
	out := make(map[string]*string, len(raw))
	for k, v := range raw {
		enc, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode hyperparameter %s: %w", k, err)
		}
		out[k] = aws.String(string(enc))
	}
	return out, nil
}

func (l *Launcher) request(job Job) (*sagemaker.CreateTrainingJobInput, error) {
	cfg := l.Config
	hyperparameters, err := l.Hyperparameters()
	if err != nil {
		return nil, err
	}
	in := &sagemaker.CreateTrainingJobInput{
		TrainingJobName: aws.String(job.Name),
		RoleArn:         aws.String(cfg.SageMaker.ARN),
		AlgorithmSpecification: &sagemaker.AlgorithmSpecification{
			TrainingImage:     aws.String(job.ImageURI),
			TrainingInputMode: aws.String(sagemaker.TrainingInputModeFile),
			MetricDefinitions: MetricDefinitions(),
		},
		HyperParameters: hyperparameters,
		InputDataConfig: []*sagemaker.Channel{
			s3Channel(ChannelTrainData, cfg.S3.TrainingData),
			s3Channel(ChannelTrainConfig, job.TrainConfigURI),
		},
		OutputDataConfig: &sagemaker.OutputDataConfig{
			S3OutputPath: aws.String(job.OutputURI),
		},
		ResourceConfig: &sagemaker.ResourceConfig{
			InstanceType:   aws.String(cfg.SageMaker.InstanceType),
			InstanceCount:  aws.Int64(int64(cfg.SageMaker.InstanceCount)),
			VolumeSizeInGB: aws.Int64(int64(cfg.SageMaker.VolumeSizeGB)),
		},
		StoppingCondition: &sagemaker.StoppingCondition{
			MaxRuntimeInSeconds: aws.Int64(int64(cfg.SageMaker.MaxRunTime)),
		},
		CheckpointConfig: &sagemaker.CheckpointConfig{
			S3Uri:     aws.String(job.CheckpointURI),
			LocalPath: aws.String(cfg.Container.OutputDir),
		},
	}
	if cfg.SageMaker.SpotInstance {
		in.EnableManagedSpotTraining = aws.Bool(true)
		in.StoppingCondition.MaxWaitTimeInSeconds = aws.Int64(int64(cfg.SageMaker.MaxWaitTime))
	}
	return in, nil
}

func s3Channel(name, uri string) *sagemaker.Channel {
	return &sagemaker.Channel{
		ChannelName: aws.String(name),
		DataSource: &sagemaker.DataSource{
			S3DataSource: &sagemaker.S3DataSource{
				S3DataType:             aws.String(sagemaker.S3DataTypeS3prefix),
				S3Uri:                  aws.String(uri),
				S3DataDistributionType: aws.String(sagemaker.S3DataDistributionFullyReplicated),
			},
		},
	}
}

// Wait polls the job every interval until it completes, stops or fails.
// Status transitions are logged.
func (l *Launcher) Wait(ctx context.Context, name string, interval time.Duration) (string, error) {
	var last string
	for {
		out, err := l.SageMaker.DescribeTrainingJobWithContext(ctx, &sagemaker.DescribeTrainingJobInput{
			TrainingJobName: aws.String(name),
		})
		if err != nil {
			return "", fmt.Errorf("describe training job %s: %w", name, err)
		}
		status := aws.StringValue(out.TrainingJobStatus)
		current := status + "/" + aws.StringValue(out.SecondaryStatus)
		if current != last {
			l.logger().Printf("job=%s status=%s secondary=%s", name, status, aws.StringValue(out.SecondaryStatus))
			last = current
		}

		switch status {
		case sagemaker.TrainingJobStatusCompleted, sagemaker.TrainingJobStatusStopped:
			return status, nil
		case sagemaker.TrainingJobStatusFailed:
			return status, fmt.Errorf("training job %s failed: %s", name, strings.TrimSpace(aws.StringValue(out.FailureReason)))
		}

		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// LocalRun is what a local instance type runs in-process.
type LocalRun struct {
	TrainConfig string
	// DataDir is empty when the training config's DATA_DIR applies.
	DataDir   string
	OutputDir string
}

// LocalPlan maps the job config onto local paths. S3.TRAINING_DATA is used
// as the data directory when it is a local path or file:// URI.
func (l *Launcher) LocalPlan(outputDir string) LocalRun {
	cfg := l.Config
	run := LocalRun{TrainConfig: cfg.Training.ConfigFile, OutputDir: outputDir}
	data := cfg.S3.TrainingData
	if data != "" && !strings.HasPrefix(data, "s3://") {
		run.DataDir = strings.TrimPrefix(data, "file://")
	}
	if run.OutputDir == "" {
		run.OutputDir = filepath.Join("local_outputs", filepath.FromSlash(cfg.S3.ExperimentName))
	}
	return run
}
