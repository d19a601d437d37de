package interfaces

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"
)

// StorageBackendLocation represents URI for a remote object store.
type StorageBackendLocation struct {
	Raw    string     // Original URI
	Scheme string     // Protocol
	Host   string     // Hostname or bucket
	Path   string     // Resource path
	Query  url.Values // Query parameters
	Auth   string     // Authentication info
}

// NewStorageBackendLocation creates a new storage location from a URI string with validation.
func NewStorageBackendLocation(uri string) (StorageBackendLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return StorageBackendLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	switch parsed.Scheme {
	case "drive", "s3", "file", "memory":
	default:
		return StorageBackendLocation{}, fmt.Errorf("%w: unsupported storage scheme %q", ErrInvalidLocationURI, parsed.Scheme)
	}

	var auth string
	if parsed.User != nil {
		auth = parsed.User.String()
	}

	return StorageBackendLocation{
		Raw:    uri,
		Scheme: parsed.Scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
		Auth:   auth,
	}, nil
}

// String returns the original URI string.
func (loc StorageBackendLocation) String() string {
	return loc.Raw
}

// GetParam returns a query parameter value.
func (loc StorageBackendLocation) GetParam(name string) string {
	return loc.Query.Get(name)
}

// GetParamBool returns a boolean query parameter value.
func (loc StorageBackendLocation) GetParamBool(name string) bool {
	value := loc.Query.Get(name)
	return value == "true" || value == "1" || value == "yes"
}

var (
	// ErrAuth is returned when credentials are missing, malformed or rejected by the
	// remote store. It is fatal: callers must not retry until credentials change.
	ErrAuth = errors.New("remote store authentication failed")

	// ErrTransientNetwork is returned for failures expected to clear on their own:
	// timeouts, connection resets, throttling and 5xx responses.
	ErrTransientNetwork = errors.New("remote store temporarily unavailable")

	// ErrQuotaExceeded is returned when the remote store refuses writes for lack of space.
	// Backups stay paused until the quota is remediated externally.
	ErrQuotaExceeded = errors.New("remote store quota exceeded")

	// ErrNotFound is returned when a requested object, folder or entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when a write would overwrite an existing object.
	ErrAlreadyExists = errors.New("object already exists")

	// ErrInvalidLocationURI is returned when a storage location URI is malformed or unsupported.
	// URIs must follow the format: [scheme]://[auth@]host[:port][/path][?params]
	ErrInvalidLocationURI = errors.New("invalid storage location URI")
)

// IsRetryable reports whether err is a transient remote failure worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientNetwork) || errors.Is(err, context.DeadlineExceeded)
}

// IsFatal reports whether err can only be cleared by external remediation.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuth) || errors.Is(err, ErrQuotaExceeded)
}

// Credentials holds the service identity used to talk to the remote store.
// Drivers interpret the fields according to their provider.
type Credentials struct {
	ProjectID    string
	ClientEmail  string
	PrivateKeyID string
	PrivateKey   string
	Scopes       []string
}

// CredentialsProvider supplies credentials on demand.
// Implementations may re-read their source on every call so rotated keys are picked up.
type CredentialsProvider interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// Quota is the capacity figure reported by a remote store. A zero Limit means unlimited
// or not reported.
type Quota struct {
	Limit int64 `json:"limit"`
	Usage int64 `json:"usage"`
}

// Exceeded reports whether usage has reached the limit.
func (q *Quota) Exceeded() bool {
	return q != nil && q.Limit > 0 && q.Usage >= q.Limit
}

// FileInfo describes one blob in a remote folder.
type FileInfo struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	CreatedTime time.Time `json:"createdTime"`
	Checksum    string    `json:"checksum,omitempty"`
}

// FolderHandle identifies the namespace used for all blobs of one domain collection.
type FolderHandle struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// FolderInfo aggregates the contents of the canonical folder.
type FolderInfo struct {
	Folder     FolderHandle `json:"folder"`
	FileCount  int          `json:"fileCount"`
	TotalBytes int64        `json:"totalBytes"`
	Quota      *Quota       `json:"quota,omitempty"`

	// DuplicateFolders counts folders sharing the canonical name beyond the first.
	DuplicateFolders int `json:"duplicateFolders"`
}

// ObjectDriver is the provider-specific half of a remote file store.
// Drivers classify their failures into the sentinel errors of this package.
type ObjectDriver interface {
	// Name returns identifier for logging.
	Name() string

	// LocationURI returns URI identifying this driver.
	LocationURI() string

	// ValidateCredentials checks key material without network access.
	ValidateCredentials(creds Credentials) error

	// Authenticate establishes a session with the provider.
	Authenticate(ctx context.Context, creds Credentials) error

	// Probe performs a lightweight authenticated request.
	Probe(ctx context.Context) error

	// FindFolders returns every folder with the given name.
	FindFolders(ctx context.Context, name string) ([]FolderHandle, error)

	// CreateFolder creates a folder and returns its handle.
	CreateFolder(ctx context.Context, name string) (FolderHandle, error)

	// List returns the blobs stored in a folder.
	List(ctx context.Context, folderID string) ([]FileInfo, error)

	// Put writes a new blob. It never overwrites an existing object.
	Put(ctx context.Context, folderID, name string, payload []byte) (FileInfo, error)

	// Delete removes a blob, returning ErrNotFound if it does not exist.
	Delete(ctx context.Context, fileID string) error

	// Quota reports capacity, or nil if the provider has none.
	Quota(ctx context.Context) (*Quota, error)
}

// RemoteFileStore provides authenticated, idempotent access to one folder of a
// quota-limited remote object store. It knows nothing about domain entities.
type RemoteFileStore interface {
	// GetAuth obtains and validates credentials, caching the result.
	GetAuth(ctx context.Context) error

	// Authenticated reports whether a validated credential is cached. No I/O.
	Authenticated() bool

	// InvalidateAuth drops the cached credential.
	InvalidateAuth()

	// GetOrCreateFolder resolves the folder with the given name, creating it if absent.
	GetOrCreateFolder(ctx context.Context, name string) (FolderHandle, error)

	// CanonicalFolder returns the cached canonical folder if present and not expired. No I/O.
	CanonicalFolder() (FolderHandle, bool)

	// ListFiles returns blobs ordered by creation time.
	ListFiles(ctx context.Context, folderID string) ([]FileInfo, error)

	// SaveObject writes a new blob and returns its metadata.
	SaveObject(ctx context.Context, folderID, name string, payload []byte) (FileInfo, error)

	// DeleteObject removes a blob. Deleting a missing blob is not an error.
	DeleteObject(ctx context.Context, fileID string) error

	// GetFolderInfo aggregates file count, byte size and quota of the canonical folder.
	GetFolderInfo(ctx context.Context) (FolderInfo, error)

	// TestAuth is a liveness probe. Ordinary auth failures yield (false, nil).
	TestAuth(ctx context.Context) (bool, error)

	// Name returns identifier for logging.
	Name() string
}
