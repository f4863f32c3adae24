package storage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"greendrake/tuition/internal/config"
)

func TestDocumentKey_SanitizesFilename(t *testing.T) {
	key := DocumentKey("s1", "c1", "../../etc/pass wd.pdf")
	assert.True(t, strings.HasPrefix(key, "schools/s1/contracts/c1/"))
	assert.True(t, strings.HasSuffix(key, "_pass_wd.pdf"))
	assert.NotContains(t, key, "..")

	key = DocumentKey("s1", "c1", `C:\docs\signed contract.pdf`)
	assert.True(t, strings.HasSuffix(key, "_signed_contract.pdf"))

	assert.True(t, strings.HasSuffix(DocumentKey("s1", "c1", ""), "_document"))
}

func TestS3Storage_PresignUpload(t *testing.T) {
	cfg := &config.Config{
		AwsRegion:          "us-east-1",
		AwsAccessKeyID:     "AKIDEXAMPLE",
		AwsSecretAccessKey: "secret",
		AwsS3Bucket:        "contracts",
		AwsS3Endpoint:      "http://localhost:9000",
		DocumentUploadTTL:  time.Minute,
	}
	st, err := NewS3Storage(cfg)
	require.NoError(t, err)

	url, key, err := st.PresignUpload(context.Background(), "s1", "c1", "terms.pdf", "application/pdf")
	require.NoError(t, err)
	assert.Contains(t, url, "http://localhost:9000/contracts/")
	assert.Contains(t, url, "X-Amz-Signature=")
	assert.True(t, strings.HasSuffix(key, "_terms.pdf"))
}
