// internal/awsclient/s3.go
package awsclient

import (
	"context"
	"fmt"

	awsCfgLib "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// NewS3
// ------------------------------------------------------------
// region 기반 S3 client 를 만든다.
// SDK 내부 retry 는 끄고(RetryMaxAttempts=0) 재시도는 호출하는 쪽에서 제어한다.
func NewS3(ctx context.Context, region string) (*s3.Client, error) {
	awsCfg, err := awsCfgLib.LoadDefaultConfig(ctx, awsCfgLib.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.RetryMaxAttempts = 0
	}), nil
}
