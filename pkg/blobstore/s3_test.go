package blobstore

import (
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// The AWS SDK v2 S3 client doesn't expose an interface cheap to mock for
// Put/Get/Delete, so these tests exercise only the error-classification
// helpers directly; exercising the network path needs a MinIO integration
// test, not a unit test.

func TestIsNotFound(t *testing.T) {
	if isNotFound(nil) {
		t.Error("isNotFound(nil) = true, want false")
	}
	if isNotFound(errors.New("boom")) {
		t.Error("isNotFound(generic error) = true, want false")
	}
	if !isNotFound(&types.NoSuchKey{}) {
		t.Error("isNotFound(&types.NoSuchKey{}) = false, want true")
	}
	if !isNotFound(&types.NotFound{}) {
		t.Error("isNotFound(&types.NotFound{}) = false, want true")
	}
}

func TestIsAlreadyOwned(t *testing.T) {
	if isAlreadyOwned(errors.New("boom")) {
		t.Error("isAlreadyOwned(generic error) = true, want false")
	}
	if !isAlreadyOwned(&types.BucketAlreadyOwnedByYou{}) {
		t.Error("isAlreadyOwned(&types.BucketAlreadyOwnedByYou{}) = false, want true")
	}
	if !isAlreadyOwned(&types.BucketAlreadyExists{}) {
		t.Error("isAlreadyOwned(&types.BucketAlreadyExists{}) = false, want true")
	}
}
