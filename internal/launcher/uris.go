package launcher

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// maxJobName is the SageMaker limit on training job names.
const maxJobName = 63

const jobTimestamp = "2006-01-02-15-04-05.000"

// S3URI joins a bucket and key parts into an s3:// URI.
func S3URI(bucket string, parts ...string) string {
	key := path.Join(parts...)
	if key == "" || key == "." {
		return "s3://" + bucket
	}
	return "s3://" + bucket + "/" + strings.TrimPrefix(key, "/")
}

// ImageURI returns the ECR URI of a training image in the caller's account.
func ImageURI(account, region, image, tag string) string {
	return fmt.Sprintf("%s.dkr.ecr.%s.amazonaws.com/%s:%s", account, region, image, tag)
}

// JobName appends a millisecond timestamp to base, trimming base so the
// result fits the SageMaker name limit.
func JobName(base string, now time.Time) string {
	ts := strings.Replace(now.UTC().Format(jobTimestamp), ".", "-", 1)
	limit := maxJobName - len(ts) - 1
	if len(base) > limit {
		base = base[:limit]
	}
	base = strings.TrimRight(base, "-")
	return base + "-" + ts
}
