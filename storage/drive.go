package storage

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ruteri/coaching-backup/interfaces"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/jwt"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const driveFolderMimeType = "application/vnd.google-apps.folder"

// DefaultDriveScopes is used when the credentials carry no scopes.
var DefaultDriveScopes = []string{drive.DriveFileScope}

// DriveDriver stores blobs in Google Drive using a service account.
type DriveDriver struct {
	log         *slog.Logger
	locationURI string
	scopes      []string

	mu  sync.RWMutex
	srv *drive.Service
}

// NewDriveDriver creates an unauthenticated Drive driver.
func NewDriveDriver(scopes []string, log *slog.Logger) *DriveDriver {
	if len(scopes) == 0 {
		scopes = DefaultDriveScopes
	}
	return &DriveDriver{
		log:         log,
		locationURI: "drive://",
		scopes:      scopes,
	}
}

func (d *DriveDriver) Name() string {
	return "google-drive"
}

func (d *DriveDriver) LocationURI() string {
	return d.locationURI
}

// ValidateCredentials checks the service-account key material offline.
func (d *DriveDriver) ValidateCredentials(creds interfaces.Credentials) error {
	var missing []string
	if creds.ProjectID == "" {
		missing = append(missing, "project_id")
	}
	if creds.ClientEmail == "" {
		missing = append(missing, "client_email")
	}
	if creds.PrivateKey == "" {
		missing = append(missing, "private_key")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", interfaces.ErrAuth, strings.Join(missing, ", "))
	}

	block, _ := pem.Decode([]byte(normalizePrivateKey(creds.PrivateKey)))
	if block == nil {
		return fmt.Errorf("%w: private key is not PEM encoded", interfaces.ErrAuth)
	}
	if _, err := x509.ParsePKCS8PrivateKey(block.Bytes); err != nil {
		if _, err1 := x509.ParsePKCS1PrivateKey(block.Bytes); err1 != nil {
			return fmt.Errorf("%w: unparseable private key: %v", interfaces.ErrAuth, err)
		}
	}
	return nil
}

// Authenticate exchanges the service-account assertion for a token and builds the Drive service.
func (d *DriveDriver) Authenticate(ctx context.Context, creds interfaces.Credentials) error {
	scopes := creds.Scopes
	if len(scopes) == 0 {
		scopes = d.scopes
	}

	conf := &jwt.Config{
		Email:        creds.ClientEmail,
		PrivateKey:   []byte(normalizePrivateKey(creds.PrivateKey)),
		PrivateKeyID: creds.PrivateKeyID,
		Scopes:       scopes,
		TokenURL:     google.JWTTokenURL,
	}

	// The token source outlives this call, so it must not capture the bounded ctx.
	base := conf.TokenSource(context.Background())

	type tokenResult struct {
		tok *oauth2.Token
		err error
	}
	ch := make(chan tokenResult, 1)
	go func() {
		tok, err := base.Token()
		ch <- tokenResult{tok, err}
	}()

	var tok *oauth2.Token
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: token exchange: %v", interfaces.ErrTransientNetwork, ctx.Err())
	case res := <-ch:
		if res.err != nil {
			return classifyDriveError("token exchange", res.err)
		}
		tok = res.tok
	}

	srv, err := drive.NewService(ctx, option.WithTokenSource(oauth2.ReuseTokenSource(tok, base)))
	if err != nil {
		return fmt.Errorf("%w: creating drive service: %v", interfaces.ErrAuth, err)
	}

	d.mu.Lock()
	d.srv = srv
	d.mu.Unlock()

	d.log.Debug("Drive service ready", slog.String("client_email", creds.ClientEmail))
	return nil
}

func (d *DriveDriver) service() (*drive.Service, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.srv == nil {
		return nil, fmt.Errorf("%w: drive service not authenticated", interfaces.ErrAuth)
	}
	return d.srv, nil
}

// Probe performs a lightweight authenticated request.
func (d *DriveDriver) Probe(ctx context.Context) error {
	srv, err := d.service()
	if err != nil {
		return err
	}
	if _, err := srv.About.Get().Fields("user").Context(ctx).Do(); err != nil {
		return classifyDriveError("probe", err)
	}
	return nil
}

func (d *DriveDriver) FindFolders(ctx context.Context, name string) ([]interfaces.FolderHandle, error) {
	srv, err := d.service()
	if err != nil {
		return nil, err
	}

	q := fmt.Sprintf("name = '%s' and mimeType = '%s' and trashed = false", escapeDriveQuery(name), driveFolderMimeType)

	var folders []interfaces.FolderHandle
	err = srv.Files.List().
		Q(q).
		Spaces("drive").
		Fields("nextPageToken, files(id, name, createdTime)").
		OrderBy("createdTime").
		Pages(ctx, func(page *drive.FileList) error {
			for _, f := range page.Files {
				folders = append(folders, interfaces.FolderHandle{
					ID:        f.Id,
					Name:      f.Name,
					CreatedAt: parseDriveTime(f.CreatedTime),
				})
			}
			return nil
		})
	if err != nil {
		return nil, classifyDriveError("find folders", err)
	}
	return folders, nil
}

func (d *DriveDriver) CreateFolder(ctx context.Context, name string) (interfaces.FolderHandle, error) {
	srv, err := d.service()
	if err != nil {
		return interfaces.FolderHandle{}, err
	}

	f, err := srv.Files.Create(&drive.File{Name: name, MimeType: driveFolderMimeType}).
		Fields("id, name, createdTime").
		Context(ctx).
		Do()
	if err != nil {
		return interfaces.FolderHandle{}, classifyDriveError("create folder", err)
	}
	return interfaces.FolderHandle{ID: f.Id, Name: f.Name, CreatedAt: parseDriveTime(f.CreatedTime)}, nil
}

func (d *DriveDriver) List(ctx context.Context, folderID string) ([]interfaces.FileInfo, error) {
	srv, err := d.service()
	if err != nil {
		return nil, err
	}

	q := fmt.Sprintf("'%s' in parents and trashed = false", escapeDriveQuery(folderID))

	var files []interfaces.FileInfo
	err = srv.Files.List().
		Q(q).
		Spaces("drive").
		Fields("nextPageToken, files(id, name, size, createdTime, md5Checksum)").
		OrderBy("createdTime").
		PageSize(1000).
		Pages(ctx, func(page *drive.FileList) error {
			for _, f := range page.Files {
				files = append(files, driveFileInfo(f))
			}
			return nil
		})
	if err != nil {
		return nil, classifyDriveError("list", err)
	}
	return files, nil
}

// Put uploads a JSON blob. Drive permits duplicate names, so existence is checked first.
func (d *DriveDriver) Put(ctx context.Context, folderID, name string, payload []byte) (interfaces.FileInfo, error) {
	srv, err := d.service()
	if err != nil {
		return interfaces.FileInfo{}, err
	}

	q := fmt.Sprintf("name = '%s' and '%s' in parents and trashed = false", escapeDriveQuery(name), escapeDriveQuery(folderID))
	existing, err := srv.Files.List().Q(q).Fields("files(id)").PageSize(1).Context(ctx).Do()
	if err != nil {
		return interfaces.FileInfo{}, classifyDriveError("put", err)
	}
	if len(existing.Files) > 0 {
		return interfaces.FileInfo{}, fmt.Errorf("%w: %s", interfaces.ErrAlreadyExists, name)
	}

	f, err := srv.Files.Create(&drive.File{
		Name:     name,
		MimeType: "application/json",
		Parents:  []string{folderID},
	}).
		Media(bytes.NewReader(payload), googleapi.ContentType("application/json")).
		Fields("id, name, size, createdTime, md5Checksum").
		Context(ctx).
		Do()
	if err != nil {
		return interfaces.FileInfo{}, classifyDriveError("put", err)
	}
	return driveFileInfo(f), nil
}

func (d *DriveDriver) Delete(ctx context.Context, fileID string) error {
	srv, err := d.service()
	if err != nil {
		return err
	}
	if err := srv.Files.Delete(fileID).Context(ctx).Do(); err != nil {
		return classifyDriveError("delete", err)
	}
	return nil
}

func (d *DriveDriver) Quota(ctx context.Context) (*interfaces.Quota, error) {
	srv, err := d.service()
	if err != nil {
		return nil, err
	}
	about, err := srv.About.Get().Fields("storageQuota").Context(ctx).Do()
	if err != nil {
		return nil, classifyDriveError("quota", err)
	}
	if about.StorageQuota == nil {
		return nil, nil
	}
	return &interfaces.Quota{Limit: about.StorageQuota.Limit, Usage: about.StorageQuota.Usage}, nil
}

func driveFileInfo(f *drive.File) interfaces.FileInfo {
	return interfaces.FileInfo{
		ID:          f.Id,
		Name:        f.Name,
		Size:        f.Size,
		CreatedTime: parseDriveTime(f.CreatedTime),
		Checksum:    f.Md5Checksum,
	}
}

func parseDriveTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func escapeDriveQuery(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}

// normalizePrivateKey restores newlines in keys that were stored with escaped "\n".
func normalizePrivateKey(key string) string {
	return strings.ReplaceAll(strings.TrimSpace(key), `\n`, "\n")
}

// classifyDriveError maps Drive and OAuth failures onto the interfaces error taxonomy.
func classifyDriveError(op string, err error) error {
	if err == nil {
		return nil
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		reasons := make(map[string]bool, len(gerr.Errors))
		for _, item := range gerr.Errors {
			reasons[item.Reason] = true
		}

		switch {
		case gerr.Code == http.StatusNotFound:
			return fmt.Errorf("%w: %s: %w", interfaces.ErrNotFound, op, err)
		case gerr.Code == http.StatusUnauthorized:
			return fmt.Errorf("%w: %s: %w", interfaces.ErrAuth, op, err)
		case gerr.Code == http.StatusForbidden && (reasons["storageQuotaExceeded"] || reasons["quotaExceeded"]):
			return fmt.Errorf("%w: %s: %w", interfaces.ErrQuotaExceeded, op, err)
		case gerr.Code == http.StatusTooManyRequests,
			gerr.Code == http.StatusForbidden && (reasons["rateLimitExceeded"] || reasons["userRateLimitExceeded"]),
			gerr.Code >= 500:
			return fmt.Errorf("%w: %s: %w", interfaces.ErrTransientNetwork, op, err)
		case gerr.Code == http.StatusForbidden:
			return fmt.Errorf("%w: %s: %w", interfaces.ErrAuth, op, err)
		default:
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		if rerr.Response != nil && rerr.Response.StatusCode >= 400 && rerr.Response.StatusCode < 500 {
			return fmt.Errorf("%w: %s: %w", interfaces.ErrAuth, op, err)
		}
		return fmt.Errorf("%w: %s: %w", interfaces.ErrTransientNetwork, op, err)
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %s: %w", interfaces.ErrTransientNetwork, op, err)
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		return fmt.Errorf("%w: %s: %w", interfaces.ErrTransientNetwork, op, err)
	}

	return fmt.Errorf("%s: %w", op, err)
}
