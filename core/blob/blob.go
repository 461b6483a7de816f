// Package blob stores large binary content, such as image files,
// outside of the relational database. There are two drivers: a local
// filesystem and AWS S3.
package blob

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when no content was stored under a key.
var ErrNotFound = errors.New("no such content")

// Driver is the interface for the binary content store.
type Driver interface {
	Upload(ctx context.Context, key string, contentType string, data io.Reader) error
	Download(ctx context.Context, key string, w io.Writer) (contentType string, err error)
	Delete(ctx context.Context, key string) error
}

// DriverType selects one of the driver implementations.
type DriverType string

// DriverTypeLocal is the local filesystem implementation
const DriverTypeLocal DriverType = "Local"

// DriverTypeAWSS3 is the AWS S3 implementation
const DriverTypeAWSS3 DriverType = "AWSS3"

// None is used when there is no content store
const None DriverType = ""
