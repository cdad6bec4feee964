package launcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/sagemaker"
	"github.com/aws/aws-sdk-go/service/sagemaker/sagemakeriface"
	"github.com/aws/aws-sdk-go/service/sts"
	"github.com/aws/aws-sdk-go/service/sts/stsiface"

	"dcgan-sagemaker/internal/config"
	"dcgan-sagemaker/internal/container"
	"dcgan-sagemaker/internal/trainer"
)

type fakeS3 struct {
	s3iface.S3API
	objects map[string]string
}

func (f *fakeS3) PutObjectWithContext(ctx aws.Context, in *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.StringValue(in.Bucket)+"/"+aws.StringValue(in.Key)] = string(body)
	return &s3.PutObjectOutput{}, nil
}

type fakeSTS struct {
	stsiface.STSAPI
}

func (fakeSTS) GetCallerIdentityWithContext(aws.Context, *sts.GetCallerIdentityInput, ...request.Option) (*sts.GetCallerIdentityOutput, error) {
	return &sts.GetCallerIdentityOutput{Account: aws.String("123456789012")}, nil
}

type fakeSageMaker struct {
	sagemakeriface.SageMakerAPI
	created   *sagemaker.CreateTrainingJobInput
	statuses  []string
	reason    string
	described int
}

func (f *fakeSageMaker) CreateTrainingJobWithContext(ctx aws.Context, in *sagemaker.CreateTrainingJobInput, _ ...request.Option) (*sagemaker.CreateTrainingJobOutput, error) {
	f.created = in
	return &sagemaker.CreateTrainingJobOutput{
		TrainingJobArn: aws.String("arn:aws:sagemaker:eu-west-1:123456789012:training-job/" + aws.StringValue(in.TrainingJobName)),
	}, nil
}

func (f *fakeSageMaker) DescribeTrainingJobWithContext(ctx aws.Context, in *sagemaker.DescribeTrainingJobInput, _ ...request.Option) (*sagemaker.DescribeTrainingJobOutput, error) {
	status := f.statuses[f.described]
	if f.described < len(f.statuses)-1 {
		f.described++
	}
	out := &sagemaker.DescribeTrainingJobOutput{
		TrainingJobName:   in.TrainingJobName,
		TrainingJobStatus: aws.String(status),
		SecondaryStatus:   aws.String("Training"),
	}
	if status == sagemaker.TrainingJobStatusFailed {
		out.FailureReason = aws.String(f.reason)
	}
	return out, nil
}

func testLauncher(t *testing.T, spot bool) (*Launcher, *fakeS3, *fakeSageMaker) {
	t.Helper()
	dir := t.TempDir()
	trainCfg := filepath.Join(dir, "train.yaml")
	jobCfg := filepath.Join(dir, "job.yaml")
	if err := os.WriteFile(trainCfg, []byte("TRAINING:\n  NUM_EPOCHS: 3\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(jobCfg, []byte("ECR:\n  TAG: v1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg := config.DefaultJob()
	cfg.SageMaker.ARN = "arn:aws:iam::123456789012:role/sagemaker"
	cfg.SageMaker.InstanceType = "ml.p3.2xlarge"
	cfg.SageMaker.SpotInstance = spot
	cfg.SageMaker.MaxWaitTime = 172800
	cfg.ECR.ImageName = "dcgan"
	cfg.ECR.Tag = "v1"
	cfg.S3.TrainingData = "s3://datasets/celeba"
	cfg.S3.SageMakerResultsBucket = "results"
	cfg.Training.ConfigFile = trainCfg

	s3fake := &fakeS3{objects: map[string]string{}}
	sm := &fakeSageMaker{}
	return &Launcher{
		Config:     cfg,
		ConfigPath: jobCfg,
		S3:         s3fake,
		STS:        fakeSTS{},
		SageMaker:  sm,
		Region:     "eu-west-1",
		Logger:     log.New(&bytes.Buffer{}, "", 0),
		Now: func() time.Time {
			return time.Date(2024, 3, 9, 17, 4, 5, 678e6, time.UTC)
		},
	}, s3fake, sm
}

func TestLaunch(t *testing.T) {
	l, s3fake, sm := testLauncher(t, false)
	job, err := l.Launch(context.Background())
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	if got := s3fake.objects["results/user_1/experiment_1/configs/train.yaml"]; !strings.Contains(got, "NUM_EPOCHS: 3") {
		t.Fatalf("training config not uploaded: %v", s3fake.objects)
	}
	if _, ok := s3fake.objects["results/user_1/experiment_1/configs/job.yaml"]; !ok {
		t.Fatalf("job config not uploaded: %v", s3fake.objects)
	}
	if job.TrainConfigURI != "s3://results/user_1/experiment_1/configs/train.yaml" {
		t.Fatalf("TrainConfigURI=%s", job.TrainConfigURI)
	}
	if job.Name != "sagemaker-training-job-2024-03-09-17-04-05-678" {
		t.Fatalf("job name %s", job.Name)
	}
	if job.ImageURI != "123456789012.dkr.ecr.eu-west-1.amazonaws.com/dcgan:v1" {
		t.Fatalf("image %s", job.ImageURI)
	}
	if !strings.HasSuffix(job.ARN, job.Name) {
		t.Fatalf("arn %s", job.ARN)
	}

	in := sm.created
	if aws.StringValue(in.CheckpointConfig.S3Uri) != "s3://results/user_1/experiment_1/model_outputs" ||
		aws.StringValue(in.CheckpointConfig.LocalPath) != "/opt/model_outputs" {
		t.Fatalf("checkpoint config %v", in.CheckpointConfig)
	}
	if aws.StringValue(in.OutputDataConfig.S3OutputPath) != "s3://results/user_1/experiment_1/sagemaker_outputs" {
		t.Fatalf("output path %v", in.OutputDataConfig)
	}
	if in.EnableManagedSpotTraining != nil || in.StoppingCondition.MaxWaitTimeInSeconds != nil {
		t.Fatal("on-demand job must not request spot capacity")
	}
	if aws.Int64Value(in.StoppingCondition.MaxRuntimeInSeconds) != 86400 {
		t.Fatalf("stopping condition %v", in.StoppingCondition)
	}

	channels := map[string]string{}
	for _, c := range in.InputDataConfig {
		src := c.DataSource.S3DataSource
		if aws.StringValue(src.S3DataDistributionType) != sagemaker.S3DataDistributionFullyReplicated {
			t.Fatalf("channel %s distribution %s", aws.StringValue(c.ChannelName), aws.StringValue(src.S3DataDistributionType))
		}
		channels[aws.StringValue(c.ChannelName)] = aws.StringValue(src.S3Uri)
	}
	if channels[ChannelTrainData] != "s3://datasets/celeba" || channels[ChannelTrainConfig] != job.TrainConfigURI {
		t.Fatalf("channels %v", channels)
	}

	var filename string
	if err := json.Unmarshal([]byte(aws.StringValue(in.HyperParameters["train_cfg_filename"])), &filename); err != nil {
		t.Fatalf("hyperparameter encoding: %v", err)
	}
	if filename != "train.yaml" {
		t.Fatalf("train_cfg_filename=%s", filename)
	}
	if aws.StringValue(in.HyperParameters["output_dir"]) != `"/opt/model_outputs"` {
		t.Fatalf("output_dir=%s", aws.StringValue(in.HyperParameters["output_dir"]))
	}
}

func TestHyperparametersRoundTrip(t *testing.T) {
	l, _, _ := testLauncher(t, false)
	l.Config.Container.DatasetBaseDir = `/opt/data/"celeba" \ faces`
	l.Config.Container.OutputDir = "/opt/model_outputs/r\u00e9sultats\n"

	hp, err := l.Hyperparameters()
	if err != nil {
		t.Fatalf("Hyperparameters: %v", err)
	}

	// SageMaker writes the submitted strings to hyperparameters.json as is.
	written := map[string]string{}
	for k, v := range hp {
		written[k] = aws.StringValue(v)
	}
	raw, err := json.Marshal(written)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	path := filepath.Join(t.TempDir(), "hyperparameters.json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	noEnv := func(string) (string, bool) { return "", false }
	env, err := container.FromEnv(noEnv, path)
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	want := map[string]string{
		"dataset_base_dir":   l.Config.Container.DatasetBaseDir,
		"output_dir":         l.Config.Container.OutputDir,
		"train_cfg_filename": "train.yaml",
	}
	for k, v := range want {
		if got := env.Hyperparameter(k, ""); got != v {
			t.Fatalf("%s=%q, want %q", k, got, v)
		}
	}
}

func TestLaunchSpot(t *testing.T) {
	l, _, sm := testLauncher(t, true)
	if _, err := l.Launch(context.Background()); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	in := sm.created
	if !aws.BoolValue(in.EnableManagedSpotTraining) {
		t.Fatal("spot training not enabled")
	}
	if aws.Int64Value(in.StoppingCondition.MaxWaitTimeInSeconds) != 172800 {
		t.Fatalf("max wait %v", in.StoppingCondition)
	}
}

func TestLaunchLocal(t *testing.T) {
	l, s3fake, sm := testLauncher(t, false)
	l.Config.SageMaker.InstanceType = "local_gpu"
	l.Config.S3.TrainingData = "file:///data/celeba"
	if _, err := l.Launch(context.Background()); !errors.Is(err, ErrLocalMode) {
		t.Fatalf("expected ErrLocalMode, got %v", err)
	}
	if len(s3fake.objects) != 0 || sm.created != nil {
		t.Fatal("local mode must not call AWS")
	}

	plan := l.LocalPlan("")
	if plan.DataDir != "/data/celeba" || plan.TrainConfig != l.Config.Training.ConfigFile {
		t.Fatalf("unexpected plan %+v", plan)
	}
	if plan.OutputDir != filepath.Join("local_outputs", "user_1", "experiment_1") {
		t.Fatalf("output dir %s", plan.OutputDir)
	}
	l.Config.S3.TrainingData = "s3://datasets/celeba"
	if plan := l.LocalPlan("/tmp/out"); plan.DataDir != "" || plan.OutputDir != "/tmp/out" {
		t.Fatalf("unexpected plan %+v", plan)
	}
}

func TestWait(t *testing.T) {
	l, _, sm := testLauncher(t, false)
	sm.statuses = []string{
		sagemaker.TrainingJobStatusInProgress,
		sagemaker.TrainingJobStatusInProgress,
		sagemaker.TrainingJobStatusCompleted,
	}
	status, err := l.Wait(context.Background(), "job", time.Millisecond)
	if err != nil || status != sagemaker.TrainingJobStatusCompleted {
		t.Fatalf("Wait=%s, %v", status, err)
	}

	sm.statuses = []string{sagemaker.TrainingJobStatusFailed}
	sm.described = 0
	sm.reason = "AlgorithmError: out of memory"
	_, err = l.Wait(context.Background(), "job", time.Millisecond)
	if err == nil || !strings.Contains(err.Error(), "out of memory") {
		t.Fatalf("expected failure reason, got %v", err)
	}

	sm.statuses = []string{sagemaker.TrainingJobStatusInProgress}
	sm.described = 0
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.Wait(ctx, "job", time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestMetricDefinitionsMatchProgress(t *testing.T) {
	line := trainer.FormatProgress(trainer.Stats{
		Epoch: 2, Epochs: 5, Batch: 49, Batches: 100,
		LossD: 1.3862, LossG: 0.6931, DX: 0.5123, DGZ1: 0.4876, DGZ2: 0.4011,
	})
	want := map[string]string{
		"discriminator:loss":                      "1.3862",
		"generator:loss":                          "0.6931",
		"discriminator:real_images":               "0.5123",
		"discriminator:fake_images_before_update": "0.4876",
		"discriminator:fake_images_after_update":  "0.4011",
	}
	defs := MetricDefinitions()
	if len(defs) != len(want) {
		t.Fatalf("expected %d metric definitions, got %d", len(want), len(defs))
	}
	for _, d := range defs {
		m := regexp.MustCompile(aws.StringValue(d.Regex)).FindStringSubmatch(line)
		if m == nil {
			t.Fatalf("%s regex %q does not match %q", aws.StringValue(d.Name), aws.StringValue(d.Regex), line)
		}
		if m[1] != want[aws.StringValue(d.Name)] {
			t.Fatalf("%s captured %s", aws.StringValue(d.Name), m[1])
		}
	}
}

func TestJobName(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 6e6, time.UTC)
	if got := JobName("dcgan", now); got != "dcgan-2024-01-02-03-04-05-006" {
		t.Fatalf("JobName=%s", got)
	}
	long := JobName(strings.Repeat("a", 80), now)
	if len(long) > maxJobName {
		t.Fatalf("job name %d chars: %s", len(long), long)
	}
}

func TestS3URI(t *testing.T) {
	if got := S3URI("bucket", "a/b", "c"); got != "s3://bucket/a/b/c" {
		t.Fatalf("S3URI=%s", got)
	}
	if got := S3URI("bucket"); got != "s3://bucket" {
		t.Fatalf("S3URI=%s", got)
	}
}
