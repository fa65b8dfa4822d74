// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bleemeo (https://bleemeo.com/).
// Copyright 2016-present Bleemeo

// Package docker is the optional container-engine capability. When the
// engine is unreachable the agent runs with an empty container view and
// everything else keeps working.
package docker

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/client"
	"github.com/pkg/errors"

	"github.com/bleemeo/bleemeo-agent/pkg/util/log"
)

// Container is the engine-neutral view of one container, as needed by the
// cloud registration payload.
type Container struct {
	Name       string
	ID         string
	ImageID    string
	ImageName  string
	Command    string
	Status     string
	CreatedAt  string
	StartedAt  string
	FinishedAt string
	// Inspect is the raw inspection payload; its canonical JSON form is
	// hashed to detect changes.
	Inspect json.RawMessage
}

// Provider talks to the docker daemon.
type Provider struct {
	client     *client.Client
	apiVersion string

	l           sync.Mutex
	containers  map[string]Container
	lastUpdate  time.Time
	lastRemoved time.Time
}

// Connect opens the docker socket. The returned error means the engine is
// absent; callers degrade instead of failing.
func Connect(ctx context.Context) (*Provider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Wrap(err, "unable to create docker client")
	}
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, errors.Wrap(err, "docker daemon is unreachable")
	}

	p := &Provider{
		client:     cli,
		apiVersion: cli.ClientVersion(),
		containers: make(map[string]Container),
	}
	return p, nil
}

// APIVersion returns the negotiated engine API version.
func (p *Provider) APIVersion() string { return p.apiVersion }

// LastUpdate returns when the container view last changed.
func (p *Provider) LastUpdate() time.Time {
	p.l.Lock()
	defer p.l.Unlock()
	return p.lastUpdate
}

// LastRemoved returns when a container last disappeared from the view. Zero
// before the first removal.
func (p *Provider) LastRemoved() time.Time {
	p.l.Lock()
	defer p.l.Unlock()
	return p.lastRemoved
}

// Containers returns a copy of the current container view, keyed by name.
func (p *Provider) Containers() map[string]Container {
	p.l.Lock()
	defer p.l.Unlock()
	out := make(map[string]Container, len(p.containers))
	for k, v := range p.containers {
		out[k] = v
	}
	return out
}

// Update refreshes the container view from the engine.
func (p *Provider) Update(ctx context.Context) error {
	list, err := p.client.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return errors.Wrap(err, "unable to list containers")
	}

	containers := make(map[string]Container, len(list))
	for _, c := range list {
		inspect, err := p.client.ContainerInspect(ctx, c.ID)
		if err != nil {
			// most probably the container was removed meanwhile
			log.Debugf("Unable to inspect container %s: %v", c.ID, err)
			continue
		}
		converted, err := convertInspect(inspect)
		if err != nil {
			log.Debugf("Unable to convert inspect of container %s: %v", c.ID, err)
			continue
		}
		containers[converted.Name] = converted
	}

	p.l.Lock()
	for name := range p.containers {
		if _, stillHere := containers[name]; !stillHere {
			p.lastRemoved = time.Now()
			break
		}
	}
	p.containers = containers
	p.lastUpdate = time.Now()
	p.l.Unlock()
	return nil
}

func convertInspect(inspect dockertypes.ContainerJSON) (Container, error) {
	raw, err := json.Marshal(inspect)
	if err != nil {
		return Container{}, err
	}

	c := Container{
		Name:    strings.TrimPrefix(inspect.Name, "/"),
		ID:      inspect.ID,
		ImageID: inspect.Image,
		Inspect: raw,
	}
	if inspect.Config != nil {
		c.ImageName = inspect.Config.Image
		c.Command = strings.Join(inspect.Config.Cmd, " ")
	}
	if inspect.ContainerJSONBase != nil {
		c.CreatedAt = inspect.Created
	}
	if inspect.State != nil {
		c.Status = inspect.State.Status
		c.StartedAt = inspect.State.StartedAt
		c.FinishedAt = inspect.State.FinishedAt
	}
	return c, nil
}

// WatchEvents follows engine events until ctx is cancelled, refreshing the
// view and calling onChange on container lifecycle events.
func (p *Provider) WatchEvents(ctx context.Context, onChange func()) {
	for ctx.Err() == nil {
		msgs, errs := p.client.Events(ctx, dockertypes.EventsOptions{})
		p.watchOnce(ctx, msgs, errs, onChange)
		if ctx.Err() == nil {
			// the connection to the daemon dropped, retry after a pause
			select {
			case <-ctx.Done():
			case <-time.After(10 * time.Second):
			}
		}
	}
}

func (p *Provider) watchOnce(ctx context.Context, msgs <-chan events.Message, errs <-chan error, onChange func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errs:
			if err != nil {
				log.Debugf("Docker event stream error: %v", err)
			}
			return
		case msg := <-msgs:
			if msg.Type != events.ContainerEventType {
				continue
			}
			switch msg.Action {
			case "create", "start", "die", "destroy", "kill", "stop":
				if err := p.Update(ctx); err != nil {
					log.Debugf("Unable to refresh containers: %v", err)
				}
				if onChange != nil {
					onChange()
				}
			}
		}
	}
}

// Close releases the client.
func (p *Provider) Close() error {
	return p.client.Close()
}
