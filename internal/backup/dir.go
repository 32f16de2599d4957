package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// DirRepository keeps backup objects as JSON files in a directory, for
// single-host deployments where the "remote" is a mounted volume.
type DirRepository struct {
	root string
	tag  string
}

var _ Repository = (*DirRepository)(nil)

type dirObject struct {
	Description string    `json:"description"`
	Envelope    *Envelope `json:"envelope"`
}

// NewDirRepository uses root as the object store, creating it if needed.
// tag is the description given to objects created by the Update fallback.
func NewDirRepository(root, tag string) (*DirRepository, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("dir repository: root is required")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("dir repository: %w", err)
	}
	return &DirRepository{root: root, tag: tag}, nil
}

func (r *DirRepository) Probe(ctx context.Context) error {
	info, err := os.Stat(r.root)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrRemoteUnavailable, r.root)
	}
	return ctx.Err()
}

func (r *DirRepository) Exists(ctx context.Context, h Handle) (bool, error) {
	p, err := r.path(h)
	if err != nil {
		return false, nil
	}
	_, err = os.Stat(p)
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
}

func (r *DirRepository) Fetch(ctx context.Context, h Handle) (*Envelope, error) {
	obj, err := r.read(h)
	if err != nil {
		return nil, err
	}
	if obj.Envelope == nil {
		return nil, fmt.Errorf("%w: object %s has no envelope", ErrCorruptEnvelope, h)
	}
	return obj.Envelope, nil
}

func (r *DirRepository) Create(ctx context.Context, tag string, env *Envelope) (Handle, error) {
	h := Handle("catalog-backup-" + uuid.NewString())
	if err := r.write(h, dirObject{Description: tag, Envelope: env}); err != nil {
		return "", err
	}
	return h, nil
}

func (r *DirRepository) Update(ctx context.Context, h Handle, env *Envelope) (Handle, error) {
	obj, err := r.read(h)
	switch {
	case errors.Is(err, ErrNotFound):
		return r.Create(ctx, r.tag, env)
	case errors.Is(err, ErrCorruptEnvelope):
		// Overwrite an unreadable object but keep it discoverable.
		obj = &dirObject{Description: r.tag}
	case err != nil:
		return "", err
	}
	obj.Envelope = env
	if err := r.write(h, *obj); err != nil {
		return "", err
	}
	return h, nil
}

// Discover scans objects in file name order.
func (r *DirRepository) Discover(ctx context.Context, tag string) (Handle, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		h := Handle(strings.TrimSuffix(e.Name(), ".json"))
		obj, err := r.read(h)
		if err != nil {
			continue
		}
		if strings.Contains(obj.Description, tag) {
			return h, nil
		}
	}
	return "", ErrNotFound
}

func (r *DirRepository) path(h Handle) (string, error) {
	name := string(h)
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%w: invalid handle %q", ErrNotFound, h)
	}
	return filepath.Join(r.root, name+".json"), nil
}

func (r *DirRepository) read(h Handle) (*dirObject, error) {
	p, err := r.path(h)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, h)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	var obj dirObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptEnvelope, h, err)
	}
	return &obj, nil
}

func (r *DirRepository) write(h Handle, obj dirObject) error {
	p, err := r.path(h)
	if err != nil {
		return err
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	return nil
}
