package docker

import (
	"context"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// engine is the subset of the docker API the Manager needs.
type engine interface {
	Ping(ctx context.Context) error
	Create(ctx context.Context, name, image string) (string, error)
	Start(ctx context.Context, id string) error
	Top(ctx context.Context, id string) (titles []string, processes [][]string, err error)
	Stop(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	Close() error
}

// dockerEngine adapts *client.Client to engine.
type dockerEngine struct {
	cli *client.Client
}

func (d *dockerEngine) Ping(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	return err
}

func (d *dockerEngine) Create(ctx context.Context, name, image string) (string, error) {
	resp, err := d.cli.ContainerCreate(ctx,
		&container.Config{Image: image},
		&container.HostConfig{},
		nil, // network config
		nil, // platform
		name,
	)
	if err != nil {
		return "", err
	}

	return resp.ID, nil
}

func (d *dockerEngine) Start(ctx context.Context, id string) error {
	return d.cli.ContainerStart(ctx, id, container.StartOptions{})
}

func (d *dockerEngine) Top(ctx context.Context, id string) ([]string, [][]string, error) {
	resp, err := d.cli.ContainerTop(ctx, id, nil)
	if err != nil {
		return nil, nil, err
	}

	return resp.Titles, resp.Processes, nil
}

func (d *dockerEngine) Stop(ctx context.Context, id string) error {
	return d.cli.ContainerStop(ctx, id, container.StopOptions{})
}

func (d *dockerEngine) Remove(ctx context.Context, id string) error {
	return d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

func (d *dockerEngine) Close() error {
	return d.cli.Close()
}
