// Package gtasks implements remote.Store on top of one Google Tasks list.
//
// Google assigns task ids, so this backend only works with the server id
// policy. The estimate is kept in the task notes and the checked flag maps
// to the completed status. The API has no atomic flip, so ToggleChecked is
// a read followed by a patch.
package gtasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	tasks "google.golang.org/api/tasks/v1"

	"github.com/vanishlist/vanish/internal/remote"
	"github.com/vanishlist/vanish/internal/schema"
)

const (
	// DefaultListID is the special ID for the default list.
	DefaultListID = "@default"

	// PageSize is the number of tasks per page.
	PageSize = 100

	// OAuthClientFile is the OAuth client credentials filename.
	OAuthClientFile = "oauth_client.json"

	// TokenFile is the stored OAuth token filename.
	TokenFile = "token.json"

	statusCompleted   = "completed"
	statusNeedsAction = "needsAction"

	tasksScope = "https://www.googleapis.com/auth/tasks"
)

// Store is a remote.Store backed by a Google Tasks list.
type Store struct {
	svc    *tasks.Service
	listID string
}

// New creates a store for listID using the credentials in dir.
// Requires oauth_client.json and token.json to exist.
func New(ctx context.Context, dir, listID string) (*Store, error) {
	clientJSON, err := os.ReadFile(filepath.Join(dir, OAuthClientFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", OAuthClientFile, err)
	}

	oauthConfig, err := google.ConfigFromJSON(clientJSON, tasksScope)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", OAuthClientFile, err)
	}

	tokenData, err := os.ReadFile(filepath.Join(dir, TokenFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", TokenFile, err)
	}

	var token oauth2.Token
	if err := json.Unmarshal(tokenData, &token); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", TokenFile, err)
	}

	// The token source refreshes the access token as needed.
	httpClient := oauth2.NewClient(ctx, oauthConfig.TokenSource(ctx, &token))
	return NewWithHTTPClient(ctx, httpClient, listID)
}

// NewWithHTTPClient creates a store with a custom HTTP client. Extra options
// such as option.WithEndpoint are passed to the API client.
func NewWithHTTPClient(ctx context.Context, httpClient *http.Client, listID string, opts ...option.ClientOption) (*Store, error) {
	if listID == "" {
		listID = DefaultListID
	}
	opts = append([]option.ClientOption{option.WithHTTPClient(httpClient)}, opts...)
	svc, err := tasks.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create tasks service: %w", err)
	}
	return &Store{svc: svc, listID: listID}, nil
}

// ListTasks implements remote.Store. Completed and hidden tasks are
// included so checked tasks stay visible.
func (s *Store) ListTasks(ctx context.Context) ([]schema.Record, error) {
	records := []schema.Record{}
	err := s.svc.Tasks.List(s.listID).
		MaxResults(PageSize).
		ShowCompleted(true).
		ShowHidden(true).
		ShowDeleted(false).
		Pages(ctx, func(resp *tasks.Tasks) error {
			for _, t := range resp.Items {
				records = append(records, toRecord(t))
			}
			return nil
		})
	if err != nil {
		return nil, wrapError(err)
	}
	return records, nil
}

// InsertTask implements remote.Store. r.ID must be empty.
func (s *Store) InsertTask(ctx context.Context, r schema.Record) (string, error) {
	if r.ID != "" {
		return "", fmt.Errorf("google tasks assigns ids itself; use the server id policy (got id %q)", r.ID)
	}
	if err := r.Snapshot().Validate(); err != nil {
		return "", err
	}

	created, err := s.svc.Tasks.Insert(s.listID, fromRecord(r)).Context(ctx).Do()
	if err != nil {
		return "", wrapError(err)
	}
	return created.Id, nil
}

// DeleteTask implements remote.Store.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	if err := s.svc.Tasks.Delete(s.listID, id).Context(ctx).Do(); err != nil {
		return wrapError(err)
	}
	return nil
}

// ToggleChecked implements remote.Store.
func (s *Store) ToggleChecked(ctx context.Context, id string) (bool, error) {
	current, err := s.svc.Tasks.Get(s.listID, id).Context(ctx).Do()
	if err != nil {
		return false, wrapError(err)
	}

	status := statusCompleted
	if current.Status == statusCompleted {
		status = statusNeedsAction
	}

	patch := &tasks.Task{Status: status}
	if status == statusNeedsAction {
		patch.NullFields = []string{"Completed"}
	}

	updated, err := s.svc.Tasks.Patch(s.listID, id, patch).Context(ctx).Do()
	if err != nil {
		return false, wrapError(err)
	}
	return updated.Status == statusCompleted, nil
}

// EditText implements remote.Store.
func (s *Store) EditText(ctx context.Context, id, text string) error {
	if err := schema.ValidateText(text); err != nil {
		return err
	}
	if _, err := s.svc.Tasks.Patch(s.listID, id, &tasks.Task{Title: text}).Context(ctx).Do(); err != nil {
		return wrapError(err)
	}
	return nil
}

func toRecord(t *tasks.Task) schema.Record {
	return schema.Record{
		ID:      t.Id,
		Text:    t.Title,
		Checked: t.Status == statusCompleted,
		Time:    t.Notes,
	}
}

func fromRecord(r schema.Record) *tasks.Task {
	status := statusNeedsAction
	if r.Checked {
		status = statusCompleted
	}
	return &tasks.Task{Title: r.Text, Notes: r.Time, Status: status}
}

// wrapError maps API errors onto the remote sentinels.
func wrapError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusNotFound:
			return fmt.Errorf("%w: %v", remote.ErrNotFound, err)
		case apiErr.Code == http.StatusConflict:
			return fmt.Errorf("%w: %v", remote.ErrAlreadyExists, err)
		case apiErr.Code == http.StatusTooManyRequests, apiErr.Code >= 500:
			return fmt.Errorf("%w: %v", remote.ErrUnavailable, err)
		case apiErr.Code == http.StatusUnauthorized, apiErr.Code == http.StatusForbidden:
			return fmt.Errorf("token expired or revoked: %w", err)
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", remote.ErrUnavailable, err)
	}
	return err
}
