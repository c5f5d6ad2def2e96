// Package depot is the package-side collaborator: a Redis-backed registry
// of service artifacts and of each group's target version. Setting the
// target key is the sole external trigger for a rollout.
package depot

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v9"
)

// Artifact describes one installable build of a service.
type Artifact struct {
	Service  string `json:"service"`
	Version  string `json:"version"`
	Checksum string `json:"checksum"`
	URL      string `json:"url"`
}

// TargetSource reads the current target version for a service group.
type TargetSource interface {
	GetTarget(service, group string) (string, error)
}

// TargetSink publishes a new target version for a service group.
type TargetSink interface {
	SetTarget(service, group, version string) error
}

type Client struct {
	redisClient *redis.Client
	ctx         context.Context
}

func NewClient(redisHostPort string) *Client {
	redisClient := redis.NewClient(&redis.Options{
		Addr: redisHostPort,
	})

	return &Client{
		redisClient: redisClient,
		ctx:         context.Background(),
	}
}

func targetKey(service, group string) string {
	return "target://" + service + "." + group
}

func artifactKey(service, version string) string {
	return "artifact://" + service + ":" + version
}

func (c *Client) Healthy() bool {
	if _, err := c.redisClient.Ping(c.ctx).Result(); err != nil {
		return false
	} else {
		return true
	}
}

func (c *Client) GetTarget(service, group string) (string, error) {
	if res, err := c.redisClient.Get(c.ctx, targetKey(service, group)).Result(); err != nil {
		if err == redis.Nil {
			return "", nil
		}
		return "", fmt.Errorf("unable to get target version: %v", err)
	} else {
		return res, nil
	}
}

func (c *Client) SetTarget(service, group, version string) error {
	if _, err := c.redisClient.Set(c.ctx, targetKey(service, group), version, 0).Result(); err != nil {
		return fmt.Errorf("unable to set target version: %v", err)
	}
	return nil
}

func (c *Client) PutArtifact(artifact Artifact) error {
	artifactJson, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("unable to marshal artifact: %v", err)
	}

	if _, err := c.redisClient.Set(c.ctx, artifactKey(artifact.Service, artifact.Version), artifactJson, 0).Result(); err != nil {
		return fmt.Errorf("unable to store artifact: %v", err)
	}
	return nil
}

func (c *Client) GetArtifact(service, version string) (*Artifact, error) {
	if res, err := c.redisClient.Get(c.ctx, artifactKey(service, version)).Result(); err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("unable to get artifact: %v", err)
	} else {
		var artifact Artifact
		if decodeErr := json.Unmarshal([]byte(res), &artifact); decodeErr != nil {
			return nil, fmt.Errorf("unable to decode artifact: %v", decodeErr)
		}
		return &artifact, nil
	}
}
