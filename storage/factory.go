package storage

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/ruteri/coaching-backup/interfaces"
)

// DriverFactory creates object drivers from location URIs.
type DriverFactory struct {
	log    *slog.Logger
	scopes []string
}

// NewDriverFactory creates a factory. Scopes are passed to drivers that need OAuth scopes.
func NewDriverFactory(logger *slog.Logger, scopes []string) *DriverFactory {
	return &DriverFactory{
		log:    logger,
		scopes: scopes,
	}
}

// NewDriverFromURI is a shorthand for NewDriverFactory(log, scopes).DriverFor(uri).
func NewDriverFromURI(uri string, scopes []string, log *slog.Logger) (interfaces.ObjectDriver, error) {
	return NewDriverFactory(log, scopes).DriverFor(uri)
}

// DriverFor creates an object driver from a location URI.
// The URI format should be [scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//   - drive:// - Google Drive via a service account
//   - s3://bucket/prefix?region=..&endpoint=..&quota=bytes - Amazon S3 or compatible storage
//   - file:///absolute/path?quota=bytes - Local filesystem storage
//   - memory://name?quota=bytes - In-process storage for development and tests
//
// Returns an error if the URI is invalid or the scheme is unsupported.
func (f *DriverFactory) DriverFor(uri string) (interfaces.ObjectDriver, error) {
	loc, err := interfaces.NewStorageBackendLocation(uri)
	if err != nil {
		return nil, err
	}

	quota, err := parseQuota(loc)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(loc.Scheme) {
	case "drive":
		return f.createDriveDriver(loc)
	case "s3":
		return f.createS3Driver(loc, quota)
	case "file":
		return f.createFileDriver(loc, quota)
	case "memory":
		return f.createMemoryDriver(loc, quota)
	default:
		return nil, fmt.Errorf("%w: unsupported driver scheme: %s", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
}

func parseQuota(loc interfaces.StorageBackendLocation) (int64, error) {
	raw := loc.GetParam("quota")
	if raw == "" {
		return 0, nil
	}
	quota, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || quota < 0 {
		return 0, fmt.Errorf("%w: invalid quota %q", interfaces.ErrInvalidLocationURI, raw)
	}
	return quota, nil
}

// createDriveDriver creates a Google Drive driver.
// URI format: drive://
func (f *DriverFactory) createDriveDriver(loc interfaces.StorageBackendLocation) (interfaces.ObjectDriver, error) {
	f.log.Debug("Creating Google Drive driver", slog.String("uri", loc.String()))
	return NewDriveDriver(f.scopes, f.log), nil
}

// createS3Driver creates an S3 or S3-compatible driver. Credentials come from the
// credentials provider, never from the URI.
func (f *DriverFactory) createS3Driver(loc interfaces.StorageBackendLocation, quota int64) (interfaces.ObjectDriver, error) {
	f.log.Debug("Creating S3 driver", slog.String("uri", loc.String()))

	if loc.Host == "" {
		return nil, fmt.Errorf("%w: s3 URI requires a bucket", interfaces.ErrInvalidLocationURI)
	}
	if loc.Auth != "" {
		return nil, fmt.Errorf("%w: s3 credentials must not be embedded in the URI", interfaces.ErrInvalidLocationURI)
	}

	region := loc.GetParam("region")
	if region == "" {
		region = "us-east-1"
	}

	return NewS3Driver(loc.Host, strings.TrimPrefix(loc.Path, "/"), region, loc.GetParam("endpoint"), quota, f.log), nil
}

// createFileDriver creates a file system driver.
// URI format: file:///absolute/path/ or file://./relative/path/
func (f *DriverFactory) createFileDriver(loc interfaces.StorageBackendLocation, quota int64) (interfaces.ObjectDriver, error) {
	f.log.Debug("Creating file driver", slog.String("uri", loc.String()))

	path := loc.Path
	if loc.Host != "" {
		path = loc.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI: %s", interfaces.ErrInvalidLocationURI, loc.String())
	}

	return NewFileDriver(path, quota, f.log)
}

// createMemoryDriver creates an in-memory driver.
// URI format: memory://name
func (f *DriverFactory) createMemoryDriver(loc interfaces.StorageBackendLocation, quota int64) (interfaces.ObjectDriver, error) {
	name := loc.Host
	if name == "" {
		name = "default"
	}
	f.log.Debug("Creating memory driver", slog.String("name", name))
	return NewMemoryDriver(name, quota, f.log), nil
}
