package depot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"zombiezen.com/go/log"
)

// Installer is the long-running package collaborator. Install fetches and
// activates a version; CurrentVersion reports what is running now. Both
// are safe to call from the coordination path, which only tracks their
// outcome and never blocks on them.
type Installer interface {
	CurrentVersion() string
	Install(ctx context.Context, version string) error
}

// LocalInstaller resolves artifacts out of the depot, downloads and
// verifies them, and activates them under a local directory, recording
// the active version in a `current` marker file so a restarted
// supervisor picks up where it left off.
type LocalInstaller struct {
	mu         sync.Mutex
	depot      *Client
	httpClient *http.Client
	service    string
	dir        string
	current    string
}

func NewLocalInstaller(depot *Client, service, dir, initialVersion string) (*LocalInstaller, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("unable to create install dir %s: %v", dir, err)
	}

	current := initialVersion
	if data, err := os.ReadFile(filepath.Join(dir, "current")); err == nil && len(data) > 0 {
		current = string(data)
	}

	return &LocalInstaller{
		depot:      depot,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		service:    service,
		dir:        dir,
		current:    current,
	}, nil
}

func (i *LocalInstaller) CurrentVersion() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.current
}

func (i *LocalInstaller) Install(ctx context.Context, version string) error {
	artifact, err := i.depot.GetArtifact(i.service, version)
	if err != nil {
		return fmt.Errorf("unable to resolve %s/%s: %v", i.service, version, err)
	}
	if artifact == nil {
		return fmt.Errorf("no artifact published for %s/%s", i.service, version)
	}
	if artifact.URL == "" {
		return fmt.Errorf("artifact %s/%s has no source url", i.service, version)
	}
	if artifact.Checksum == "" {
		return fmt.Errorf("artifact %s/%s carries no checksum", i.service, version)
	}

	log.Infof(ctx, "Installing %s/%s from %s", i.service, version, artifact.URL)

	versionDir := filepath.Join(i.dir, version)
	if err := os.MkdirAll(versionDir, 0o755); err != nil {
		return fmt.Errorf("unable to create version dir: %v", err)
	}

	payload := filepath.Join(versionDir, payloadName(artifact))
	if err := i.fetch(ctx, artifact, payload); err != nil {
		return err
	}

	manifest := fmt.Sprintf("service=%s\nversion=%s\nchecksum=%s\nsource=%s\n",
		artifact.Service, artifact.Version, artifact.Checksum, artifact.URL)
	if err := os.WriteFile(filepath.Join(versionDir, "MANIFEST"), []byte(manifest), 0o644); err != nil {
		return fmt.Errorf("unable to write manifest: %v", err)
	}

	if err := os.WriteFile(filepath.Join(i.dir, "current"), []byte(version), 0o644); err != nil {
		return fmt.Errorf("unable to record current version: %v", err)
	}

	i.mu.Lock()
	i.current = version
	i.mu.Unlock()

	log.Infof(ctx, "Activated %s/%s", i.service, version)
	return nil
}

// fetch downloads the artifact payload to dest while hashing it, and
// discards it when the digest does not match the published checksum.
func (i *LocalInstaller) fetch(ctx context.Context, artifact *Artifact, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, artifact.URL, nil)
	if err != nil {
		return fmt.Errorf("unable to fetch %s: %v", artifact.URL, err)
	}

	resp, err := i.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("unable to fetch %s: %v", artifact.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unable to fetch %s: %s", artifact.URL, resp.Status)
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("unable to write payload: %v", err)
	}

	digest := sha256.New()
	_, err = io.Copy(io.MultiWriter(out, digest), resp.Body)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dest)
		return fmt.Errorf("unable to write payload: %v", err)
	}

	if sum := hex.EncodeToString(digest.Sum(nil)); !strings.EqualFold(sum, artifact.Checksum) {
		os.Remove(dest)
		return fmt.Errorf("checksum mismatch for %s/%s: got %s, want %s",
			artifact.Service, artifact.Version, sum, artifact.Checksum)
	}

	return nil
}

func payloadName(artifact *Artifact) string {
	if u, err := url.Parse(artifact.URL); err == nil {
		if name := path.Base(u.Path); name != "" && name != "." && name != "/" {
			return name
		}
	}
	return artifact.Service + "-" + artifact.Version
}
