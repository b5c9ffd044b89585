//go:build cloudintegration

package artifact_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/benchstage/pkg/artifact"
	"github.com/3leaps/benchstage/test/cloudtest"
)

type csvDownloader map[string]string

func (d csvDownloader) Download(_ context.Context, resultID string) (io.ReadCloser, int64, error) {
	body, ok := d[resultID]
	if !ok {
		return nil, 0, errors.New("no such result")
	}
	return io.NopCloser(strings.NewReader(body)), int64(len(body)), nil
}

func TestS3SinkSaveIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()
	bucket := cloudtest.CreateBucket(t, ctx)

	sink, err := artifact.Open(ctx, "s3://"+bucket+"/runs/", cloudtest.SinkConfig("", ""))
	require.NoError(t, err)

	dl := csvDownloader{
		"r1": "iteration,f1\n1,0.5\n2,0.25\n",
		"r2": "iteration,f1\n1,3\n",
	}
	for id := range dl {
		loc, err := artifact.Save(ctx, dl, sink, id)
		require.NoError(t, err)
		assert.Equal(t, "s3://"+bucket+"/runs/"+id+".csv", loc)
	}

	assert.Equal(t, dl["r1"], string(cloudtest.GetObject(t, ctx, bucket, "runs/r1.csv")))
	assert.Equal(t, dl["r2"], string(cloudtest.GetObject(t, ctx, bucket, "runs/r2.csv")))
	assert.Equal(t, "text/csv", cloudtest.ContentType(t, ctx, bucket, "runs/r1.csv"))
}

func TestS3SinkMissingBucketIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	sink, err := artifact.NewS3Sink(ctx, cloudtest.SinkConfig("benchstage-no-such-bucket", ""))
	require.NoError(t, err)

	_, err = sink.Put(ctx, "r1.csv", strings.NewReader("x"), 1)
	require.Error(t, err)
	var sinkErr *artifact.SinkError
	assert.ErrorAs(t, err, &sinkErr)
}
