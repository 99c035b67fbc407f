package minio

import (
	"context"
	"errors"
	"net/http"

	"github.com/koustreak/schemagate/internal/errs"
	miniogo "github.com/minio/minio-go/v7"
)

// mapError translates a MinIO SDK error into an *errs.Error. A nil err maps
// to nil.
func mapError(err error, msg string) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.Wrap(errs.ErrKindTimeout, msg, err)
	}

	var resp miniogo.ErrorResponse
	if asErrorResponse(err, &resp) {
		return errs.Wrap(classifyResponse(resp), msg, err)
	}

	return errs.Wrap(errs.ErrKindConnectionFailed, msg, err)
}

func asErrorResponse(err error, resp *miniogo.ErrorResponse) bool {
	if errors.As(err, resp) {
		return true
	}
	// The SDK does not always return the typed value through the chain.
	r := miniogo.ToErrorResponse(err)
	if r.Code == "" && r.StatusCode == 0 {
		return false
	}
	*resp = r
	return true
}

func classifyResponse(resp miniogo.ErrorResponse) errs.ErrKind {
	switch resp.Code {
	case "NoSuchBucket", "NoSuchKey", "NoSuchUpload":
		return errs.ErrKindNotFound
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return errs.ErrKindPermissionDenied
	case "InvalidBucketName", "InvalidObjectName", "KeyTooLongError":
		return errs.ErrKindInvalidInput
	case "RequestTimeout", "SlowDown":
		return errs.ErrKindTimeout
	case "BucketAlreadyOwnedByYou", "BucketAlreadyExists":
		return errs.ErrKindConflict
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return errs.ErrKindNotFound
	case http.StatusForbidden, http.StatusUnauthorized:
		return errs.ErrKindPermissionDenied
	case http.StatusBadRequest:
		return errs.ErrKindInvalidInput
	case http.StatusConflict:
		return errs.ErrKindConflict
	}
	return errs.ErrKindConnectionFailed
}
