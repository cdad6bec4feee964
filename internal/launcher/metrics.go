package launcher

import (
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sagemaker"
)

// metricPatterns are scraped by SageMaker from the progress lines the
// trainer writes to stdout.
var metricPatterns = []struct {
	name  string
	regex string
}{
	{"discriminator:loss", `Loss_D: ([0-9\.]+)`},
	{"generator:loss", `Loss_G: ([0-9\.]+)`},
	{"discriminator:real_images", `D\(x\): ([0-9\.]+)`},
	{"discriminator:fake_images_before_update", `D\(G\(z\)\)_before: ([0-9\.]+)`},
	{"discriminator:fake_images_after_update", `D\(G\(z\)\)_after: ([0-9\.]+)`},
}

// MetricDefinitions returns the training job metric definitions.
func MetricDefinitions() []*sagemaker.MetricDefinition {
	defs := make([]*sagemaker.MetricDefinition, 0, len(metricPatterns))
	for _, m := range metricPatterns {
		defs = append(defs, &sagemaker.MetricDefinition{
			Name:  aws.String(m.name),
			Regex: aws.String(m.regex),
		})
	}
	return defs
}
